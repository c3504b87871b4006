package models

import "time"

// Статусы ордера - стадии жизненного цикла
//
// Ордер проходит стадии строго по порядку, без пропусков:
// pending → routing → building → signing → sending → confirmed
// Из любой нетерминальной стадии возможен переход в failed.
// confirmed и failed - терминальные состояния.
const (
	StatusPending   = "pending"
	StatusRouting   = "routing"
	StatusBuilding  = "building"
	StatusSigning   = "signing"
	StatusSending   = "sending"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
)

// StageSequence - стадии обработки в порядке выполнения
var StageSequence = []string{
	StatusPending,
	StatusRouting,
	StatusBuilding,
	StatusSigning,
	StatusSending,
	StatusConfirmed,
}

// statusRank - порядковый номер стадии для проверки монотонности
// failed вне последовательности: терминальный, достижим из любой нетерминальной стадии
var statusRank = map[string]int{
	StatusPending:   0,
	StatusRouting:   1,
	StatusBuilding:  2,
	StatusSigning:   3,
	StatusSending:   4,
	StatusConfirmed: 5,
}

// ValidTransitions определяет допустимые переходы между статусами
var ValidTransitions = map[string][]string{
	StatusPending:  {StatusRouting, StatusFailed},
	StatusRouting:  {StatusBuilding, StatusFailed},
	StatusBuilding: {StatusSigning, StatusFailed},
	StatusSigning:  {StatusSending, StatusFailed},
	StatusSending:  {StatusConfirmed, StatusFailed},
	// confirmed и failed - терминальные, переходов нет
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to string) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal возвращает true для терминальных статусов
func IsTerminal(s string) bool {
	return s == StatusConfirmed || s == StatusFailed
}

// MaxStatus возвращает более позднюю из двух стадий
//
// Используется при повторной доставке job: статус ордера никогда
// не откатывается назад, даже если стадии выполняются заново.
// failed всегда побеждает - это терминальный статус.
func MaxStatus(a, b string) string {
	if a == StatusFailed || b == StatusFailed {
		return StatusFailed
	}
	if statusRank[b] > statusRank[a] {
		return b
	}
	return a
}

// Quote - котировка от DEX, выбранная на стадии routing
type Quote struct {
	Dex   string  `json:"dex"`   // Raydium, Meteora
	Price float64 `json:"price"` // цена за единицу базового актива
	Fee   float64 `json:"fee"`   // комиссия DEX (доля, например 0.003)
}

// LogDetail - типизированная полезная нагрузка записи журнала
//
// Ровно одно поле заполнено в зависимости от стадии:
// - Quote: снимок котировки (routing)
// - Error: текст ошибки (неудачная попытка, терминальный failed)
// - TxHash: идентификатор транзакции (confirmed)
type LogDetail struct {
	Quote  *Quote `json:"quote,omitempty"`
	Error  string `json:"error,omitempty"`
	TxHash string `json:"tx_hash,omitempty"`
}

// LogEntry - одна запись журнала обработки ордера
//
// Журнал append-only: записи никогда не изменяются, не удаляются
// и не переупорядочиваются
type LogEntry struct {
	Timestamp time.Time  `json:"timestamp"`
	Status    string     `json:"status"`
	Message   string     `json:"message"`
	Detail    *LogDetail `json:"detail,omitempty"`
}

// Order представляет ордер на исполнение свопа
type Order struct {
	ID        string     `json:"id" db:"id"`
	TokenPair string     `json:"token_pair" db:"token_pair"` // SOL/USDC
	Amount    float64    `json:"amount" db:"amount"`
	Status    string     `json:"status" db:"status"`
	BestQuote *Quote     `json:"best_quote,omitempty" db:"best_quote"` // заполняется на стадии routing
	TxHash    string     `json:"tx_hash,omitempty" db:"tx_hash"`       // заполняется только при успехе
	Logs      []LogEntry `json:"logs" db:"logs"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// AppendLog добавляет запись журнала и продвигает статус ордера
//
// Статус двигается только вперед (MaxStatus): при повторном прогоне
// ранних стадий запись журнала появляется, но откат статуса невозможен.
// Запись при этом сохраняет статус стадии как есть - журнал фиксирует
// фактическую последовательность событий, включая повторы.
func (o *Order) AppendLog(status, message string, detail *LogDetail) {
	now := time.Now().UTC()
	o.Logs = append(o.Logs, LogEntry{
		Timestamp: now,
		Status:    status,
		Message:   message,
		Detail:    detail,
	})
	o.Status = MaxStatus(o.Status, status)
	o.UpdatedAt = now
}

// LastLog возвращает последнюю запись журнала (nil если журнал пуст)
func (o *Order) LastLog() *LogEntry {
	if len(o.Logs) == 0 {
		return nil
	}
	return &o.Logs[len(o.Logs)-1]
}
