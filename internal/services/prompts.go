package services

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/nous-backend/internal/logger"
	"github.com/yungbote/nous-backend/internal/types"
	"github.com/yungbote/nous-backend/internal/utils"
)

// PromptConfig carries the generation and chat prompt text. Loaded from a
// YAML file when PROMPTS_PATH is set; otherwise the compiled-in defaults
// apply. Missing keys fall back individually.
type PromptConfig struct {
	LessonFoundation string            `yaml:"lesson_foundation"`
	Narration        string            `yaml:"narration"`
	Keywords         string            `yaml:"keywords"`
	ChatModes        map[string]string `yaml:"chat_modes"`
}

const defaultLessonFoundationPrompt = `You are an expert instructional designer. Convert the provided document into a structured lesson.
Return ONLY a JSON array of nodes. Each node has "type" (heading|paragraph|list|listitem|text),
optional "tag" (h1,h2,h3 for headings), "text", and "children". Cover every major concept in
the document, in reading order. Do not invent material that is not in the document.`

const defaultNarrationPrompt = `Write a spoken narration script for the lesson below, suitable for text to speech.
Spell out mathematical expressions in words. Do not use asterisks, markdown, or stage
directions. Keep it under ten minutes when read aloud at a natural pace.`

const defaultKeywordsPrompt = `Extract 3 to 5 short search keywords that capture the core topics of the lesson below.
Return ONLY a JSON array of strings.`

var defaultChatModePrompts = map[string]string{
	string(types.ModeGeneral): "You are a helpful tutor for the lesson provided below. Answer " +
		"questions using the lesson content first, general knowledge second. Be concise and accurate.",
	string(types.ModeQuiz): "You are a quiz master for the lesson provided below. Ask the student " +
		"one question at a time about the lesson content, wait for their answer, then tell them " +
		"whether they were right and explain briefly.",
	string(types.ModeExplanation): "You are a patient teacher for the lesson provided below. " +
		"Explain the concepts the student asks about step by step, using simple language and " +
		"examples drawn from the lesson.",
	string(types.ModeStudyGuide): "You are a study coach for the lesson provided below. Produce " +
		"organized summaries, key points and memory aids from the lesson content the student asks about.",
}

// LoadPromptConfig reads PROMPTS_PATH when set, filling any missing entries
// from the defaults.
func LoadPromptConfig(log *logger.Logger) (*PromptConfig, error) {
	cfg := &PromptConfig{
		LessonFoundation: defaultLessonFoundationPrompt,
		Narration:        defaultNarrationPrompt,
		Keywords:         defaultKeywordsPrompt,
		ChatModes:        map[string]string{},
	}
	for mode, prompt := range defaultChatModePrompts {
		cfg.ChatModes[mode] = prompt
	}

	path := utils.GetEnv("PROMPTS_PATH", "", log)
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompts config: %w", err)
	}
	var loaded PromptConfig
	if err := yaml.Unmarshal(raw, &loaded); err != nil {
		return nil, fmt.Errorf("parse prompts config: %w", err)
	}

	if loaded.LessonFoundation != "" {
		cfg.LessonFoundation = loaded.LessonFoundation
	}
	if loaded.Narration != "" {
		cfg.Narration = loaded.Narration
	}
	if loaded.Keywords != "" {
		cfg.Keywords = loaded.Keywords
	}
	for mode, prompt := range loaded.ChatModes {
		if prompt != "" {
			cfg.ChatModes[mode] = prompt
		}
	}
	return cfg, nil
}

// ModePrompt returns the system prompt for a chat mode, falling back to
// general for unknown modes.
func (c *PromptConfig) ModePrompt(mode types.ChatMode) string {
	if p, ok := c.ChatModes[string(mode)]; ok {
		return p
	}
	return c.ChatModes[string(types.ModeGeneral)]
}
