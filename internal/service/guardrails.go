package service

import (
	"fmt"
	"strings"

	"github.com/supportdesk/case-service/internal/domain"
	apperrors "github.com/supportdesk/case-service/pkg/util/errorutil"
)

// OperatorPlaceholder in a draft body is replaced by the approving operator's name.
const OperatorPlaceholder = "[OPERATOR_NAME]"

// Guardrails restrict what an approved reply may contain and where it may go.
type Guardrails struct {
	// InternalDomain, when set, is always an acceptable recipient domain.
	InternalDomain string
	ForbiddenWords []string
}

// Apply validates an outbound reply and returns the final body.
func (g Guardrails) Apply(c *domain.Case, to, body, operator string) (string, error) {
	to = strings.TrimSpace(to)
	if c.SenderEmail != nil && !strings.EqualFold(to, *c.SenderEmail) && !g.isInternal(to) {
		return "", apperrors.NewValidationError(
			"reply may only go to the original sender or an internal address",
			map[string]any{"recipient": to, "sender": *c.SenderEmail},
		)
	}

	lowered := strings.ToLower(body)
	for _, word := range g.ForbiddenWords {
		if word == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(word)) {
			return "", apperrors.NewValidationError("reply contains a forbidden word", map[string]any{"word": word})
		}
	}

	return strings.ReplaceAll(body, OperatorPlaceholder, operator), nil
}

func (g Guardrails) isInternal(address string) bool {
	internal := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(g.InternalDomain), "@"))
	if internal == "" {
		return false
	}
	return strings.HasSuffix(strings.ToLower(address), "@"+internal)
}

// ReplySubject tags the subject so customer replies route back to the case.
func ReplySubject(c *domain.Case) string {
	return fmt.Sprintf("%s [Case: %s]", c.Title, c.ID)
}
