package loader

import (
	"context"
	"fmt"
	"os"
)

// TextLoader returns files as they are.
type TextLoader struct{}

func (l *TextLoader) Formats() []string { return []string{"txt", "md", "markdown", "csv"} }

func (l *TextLoader) Load(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading text file: %w", err)
	}
	return string(data), nil
}
