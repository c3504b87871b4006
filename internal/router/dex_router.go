package router

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"dexflow/internal/models"
	"dexflow/pkg/utils"
)

// ErrQuoteUnavailable возвращается при имитируемом сбое запроса котировок
var ErrQuoteUnavailable = errors.New("quote request failed")

// Поддерживаемые DEX и их комиссии
const (
	DexRaydium = "Raydium"
	DexMeteora = "Meteora"

	raydiumFee = 0.003
	meteoraFee = 0.002
)

// DexRouter - источник котировок
//
// Внутренняя логика ценообразования для пайплайна несущественна:
// здесь она имитируется (базовая цена 100 со случайным разбросом до 5,
// задержка сети). Выбирается котировка с меньшей ценой - покупаем дешевле.
type DexRouter struct {
	// delay имитирует сетевую задержку запроса котировок
	delay time.Duration

	// failRate - доля искусственно неудачных запросов [0..1],
	// для ручной проверки пути повторов. 0 - отключено
	failRate float64
}

// NewDexRouter создает роутер с задержкой запроса по умолчанию (1s)
func NewDexRouter() *DexRouter {
	return &DexRouter{delay: 1 * time.Second}
}

// NewDexRouterWithDelay создает роутер с заданной задержкой (для тестов)
func NewDexRouterWithDelay(delay time.Duration) *DexRouter {
	return &DexRouter{delay: delay}
}

// SetFailRate включает имитацию сбоев запроса котировок
func (r *DexRouter) SetFailRate(rate float64) {
	r.failRate = rate
}

// BestQuote возвращает лучшую котировку для пары
//
// Блокирующая операция: уважает отмену контекста во время
// имитируемого сетевого запроса.
func (r *DexRouter) BestQuote(ctx context.Context, tokenPair string, amount float64) (*models.Quote, error) {
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if r.failRate > 0 && rand.Float64() < r.failRate {
		return nil, ErrQuoteUnavailable
	}

	raydium := &models.Quote{Dex: DexRaydium, Price: 100 + rand.Float64()*5, Fee: raydiumFee}
	meteora := &models.Quote{Dex: DexMeteora, Price: 100 + rand.Float64()*5, Fee: meteoraFee}

	best := raydium
	if meteora.Price < raydium.Price {
		best = meteora
	}

	utils.Logger().Debugw("best quote selected",
		"pair", tokenPair, "amount", amount, "dex", best.Dex, "price", best.Price)

	return best, nil
}
