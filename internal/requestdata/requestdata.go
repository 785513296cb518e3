package requestdata

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const requestDataKey contextKey = "requestData"

// RequestData carries the authenticated principal for one request.
type RequestData struct {
	UserID uuid.UUID
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey, data)
}

func GetRequestData(ctx context.Context) (*RequestData, bool) {
	data, ok := ctx.Value(requestDataKey).(*RequestData)
	return data, ok
}
