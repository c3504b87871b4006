package utils

// validator.go - валидация входных данных API

import (
	"fmt"
	"strings"
)

// ValidateTokenPair проверяет формат торговой пары (BASE/QUOTE, например SOL/USDC)
func ValidateTokenPair(pair string) error {
	if pair == "" {
		return fmt.Errorf("token pair is required")
	}

	parts := strings.Split(pair, "/")
	if len(parts) != 2 {
		return fmt.Errorf("invalid token pair format: %q (expected BASE/QUOTE)", pair)
	}

	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("invalid token pair format: %q (empty symbol)", pair)
		}
		for _, r := range p {
			if !isSymbolRune(r) {
				return fmt.Errorf("invalid token pair format: %q (unexpected character %q)", pair, r)
			}
		}
	}

	return nil
}

// ValidateAmount проверяет объем ордера (> 0)
func ValidateAmount(amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("amount must be positive, got %v", amount)
	}
	return nil
}

func isSymbolRune(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z':
		return true
	case r >= 'a' && r <= 'z':
		return true
	case r >= '0' && r <= '9':
		return true
	default:
		return false
	}
}
