package model_test

import (
	"testing"

	"github.com/charmarket/market-engine/internal/model"
)

func TestValidateSymbol(t *testing.T) {
	valid := []string{"SPIKE", "MIKU39", "AB", "A1", "ABCDEFGHIJKL"}
	for _, s := range valid {
		if err := model.ValidateSymbol(s); err != nil {
			t.Errorf("ValidateSymbol(%q) = %v, want nil", s, err)
		}
	}

	invalid := []string{"", "A", "spike", "1SPIKE", "SPIKE!", "ABCDEFGHIJKLM", "SP KE"}
	for _, s := range invalid {
		if err := model.ValidateSymbol(s); err != model.ErrInvalidSymbol {
			t.Errorf("ValidateSymbol(%q) = %v, want ErrInvalidSymbol", s, err)
		}
	}
}

func TestBetTerminal(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{model.BetOpen, false},
		{model.BetWon, true},
		{model.BetLost, true},
		{model.BetCancelled, true},
	}
	for _, tt := range tests {
		b := &model.DirectionalBet{Status: tt.status}
		if b.Terminal() != tt.want {
			t.Errorf("Terminal() with status %s = %v, want %v", tt.status, b.Terminal(), tt.want)
		}
	}
}
