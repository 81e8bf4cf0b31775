// Package task validates marketplace task submissions and translates task
// list filters.
package task

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	apperrors "github.com/apsl-space/apsl/internal/platform/errors"
)

// Draft is a task as submitted by its author.
type Draft struct {
	Title       string
	Description string
	Category    string
	Skills      string
	Reward      string
	Deadline    string
	UserAddress string
}

// Normalize trims every field to NFC form and requires all of them.
func Normalize(d Draft) (Draft, error) {
	d = Draft{
		Title:       clean(d.Title),
		Description: clean(d.Description),
		Category:    clean(d.Category),
		Skills:      clean(d.Skills),
		Reward:      clean(d.Reward),
		Deadline:    clean(d.Deadline),
		UserAddress: clean(d.UserAddress),
	}
	fields := []struct {
		name  string
		value string
	}{
		{"title", d.Title},
		{"description", d.Description},
		{"category", d.Category},
		{"skills", d.Skills},
		{"reward", d.Reward},
		{"deadline", d.Deadline},
		{"userAddress", d.UserAddress},
	}
	for _, field := range fields {
		if field.value == "" {
			return Draft{}, apperrors.WithMetadata(
				apperrors.CodeTaskFieldRequired,
				field.name+" is required",
				map[string]string{"field": field.name},
			)
		}
	}
	return d, nil
}

func clean(value string) string {
	return strings.TrimSpace(norm.NFC.String(value))
}
