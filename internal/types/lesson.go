package types

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// LessonNode is one node of the hierarchical lesson content tree produced by
// the content-generation model and stored on finalized lessons. The shape
// mirrors the editor document format the frontend renders.
type LessonNode struct {
	Type     string       `json:"type"`
	Tag      string       `json:"tag,omitempty"`      // h1..h6 for headings, ul/ol for lists
	Text     string       `json:"text,omitempty"`     // text nodes only
	ListType string       `json:"listType,omitempty"` // bullet | number
	MediaRef string       `json:"mediaRef,omitempty"` // media nodes only
	Children []LessonNode `json:"children,omitempty"`
}

const (
	NodeHeading   = "heading"
	NodeParagraph = "paragraph"
	NodeList      = "list"
	NodeListItem  = "listitem"
	NodeText      = "text"
	NodeMedia     = "media"
)

// PlainText walks the node tree and extracts readable text. Headings and
// paragraphs are separated by blank lines so the result segments cleanly
// into passages.
func PlainText(nodes []LessonNode) string {
	var b strings.Builder
	for _, n := range nodes {
		writeNodeText(&b, n)
	}
	return strings.TrimSpace(b.String())
}

func writeNodeText(b *strings.Builder, n LessonNode) {
	switch n.Type {
	case NodeText:
		b.WriteString(n.Text)
	case NodeHeading, NodeParagraph:
		for _, c := range n.Children {
			writeNodeText(b, c)
		}
		b.WriteString("\n\n")
	case NodeList, NodeListItem:
		for _, c := range n.Children {
			writeNodeText(b, c)
		}
		b.WriteString("\n")
	default:
		for _, c := range n.Children {
			writeNodeText(b, c)
		}
	}
}

// CountWords returns the word count of the tree's plain text.
func CountWords(nodes []LessonNode) int {
	return len(strings.Fields(PlainText(nodes)))
}

// VideoCandidate is one search result offered for human selection before
// finalization.
type VideoCandidate struct {
	VideoID   string `json:"videoId"`
	Title     string `json:"title"`
	Thumbnail string `json:"thumbnail,omitempty"`
	Channel   string `json:"channel,omitempty"`
	URL       string `json:"url"`
}

// Lesson is the persisted, finalized lesson document. Content is the full
// node tree (audio node + generated content + selected video nodes).
type Lesson struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CourseID  uuid.UUID      `gorm:"type:uuid;index" json:"course_id"`
	OwnerID   uuid.UUID      `gorm:"type:uuid;index" json:"owner_id"`
	Title     string         `json:"title"`
	Content   datatypes.JSON `json:"content"`
	Narration string         `json:"narration"`
	AudioRef  string         `json:"audio_ref"`
	Published bool           `json:"published"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
