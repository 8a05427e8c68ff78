package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/capitalize-ai/inbox-router/pkg/logger"
)

func TestTriageClassify(t *testing.T) {
	sectors := []string{"Vendas", "Suporte"}

	tests := []struct {
		name   string
		client *fakeLLM
		want   string
		ok     bool
	}{
		{"exact", &fakeLLM{answer: "Vendas"}, "Vendas", true},
		{"case and punctuation", &fakeLLM{answer: "  suporte.\n"}, "Suporte", true},
		{"unknown sector", &fakeLLM{answer: "Jurídico"}, "", false},
		{"client error", &fakeLLM{err: errors.New("rate limited")}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewTriageService(tt.client, sectors, logger.NewNop())
			got, ok := svc.Classify(context.Background(), "quero comprar")
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTriageDisabled(t *testing.T) {
	assert.Nil(t, NewTriageService(nil, []string{"Vendas"}, logger.NewNop()))
	assert.Nil(t, NewTriageService(&fakeLLM{}, nil, logger.NewNop()))

	var svc *TriageService
	_, ok := svc.Classify(context.Background(), "oi")
	assert.False(t, ok)
}
