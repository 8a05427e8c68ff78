package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/capitalize-ai/inbox-router/internal/llm"
	"github.com/capitalize-ai/inbox-router/pkg/logger"
	"github.com/capitalize-ai/inbox-router/pkg/metrics"
)

const (
	triageTimeout   = 5 * time.Second
	triageMaxPrompt = 1000
)

// TriageService picks a starting sector for a new conversation from its
// first customer message.
type TriageService struct {
	client  llm.Client
	sectors []string
	logger  *logger.Logger
}

// NewTriageService returns nil when there is no client or no sector to choose
// from; a nil service classifies nothing.
func NewTriageService(client llm.Client, sectors []string, log *logger.Logger) *TriageService {
	if client == nil || len(sectors) == 0 {
		return nil
	}
	return &TriageService{client: client, sectors: sectors, logger: log}
}

// Classify returns one of the configured sectors. ok is false on any failure
// or on an answer outside the list.
func (s *TriageService) Classify(ctx context.Context, text string) (sector string, ok bool) {
	if s == nil || strings.TrimSpace(text) == "" {
		return "", false
	}
	ctx, cancel := context.WithTimeout(ctx, triageTimeout)
	defer cancel()

	if runes := []rune(text); len(runes) > triageMaxPrompt {
		text = string(runes[:triageMaxPrompt])
	}

	start := time.Now()
	resp, err := s.client.Complete(ctx, &llm.CompletionRequest{
		System: fmt.Sprintf(
			"Classifique a mensagem do cliente em exatamente um destes setores: %s. "+
				"Responda somente com o nome do setor.", strings.Join(s.sectors, ", ")),
		Prompt:      text,
		Temperature: 0,
	})
	if err != nil {
		metrics.RecordTriage(s.client.Name(), "error", time.Since(start).Seconds())
		s.logger.Warn("triage failed", zap.String("llm", s.client.Name()), zap.Error(err))
		return "", false
	}

	sector, ok = s.match(resp.Content)
	status := "ok"
	if !ok {
		status = "unknown"
	}
	metrics.RecordTriage(resp.Model, status, time.Since(start).Seconds())
	return sector, ok
}

// match accepts the answer case-insensitively, ignoring surrounding
// punctuation.
func (s *TriageService) match(answer string) (string, bool) {
	answer = strings.TrimFunc(answer, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	for _, sector := range s.sectors {
		if strings.EqualFold(answer, sector) {
			return sector, true
		}
	}
	return "", false
}
