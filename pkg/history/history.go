// Package history хранит журнал завершенных звонков.
package history

import (
	"encoding/json"
	"sync"
	"time"
)

// Capacity максимальное число записей в журнале
const Capacity = 100

// TimeLayout формат поля Time
const TimeLayout = "2006-01-02 15:04:05"

// Status итог звонка
type Status string

const (
	StatusUnknown   Status = "Unknown"
	StatusConnected Status = "Connected"
	StatusMissed    Status = "Missed"
	StatusCancelled Status = "Cancelled"
	StatusFailed    Status = "Failed"
)

// Direction направление звонка в журнале
type Direction string

const (
	DirectionIncoming Direction = "Incoming"
	DirectionOutgoing Direction = "Outgoing"
)

// Entry запись журнала. После добавления в Log не изменяется.
type Entry struct {
	Number    string    `json:"number"`
	Time      string    `json:"time"`
	Status    Status    `json:"status"`
	Direction Direction `json:"direction"`
}

// NewDraft создает черновик записи со статусом Unknown
func NewDraft(number string, dir Direction, at time.Time) Entry {
	return Entry{
		Number:    number,
		Time:      at.Format(TimeLayout),
		Status:    StatusUnknown,
		Direction: dir,
	}
}

// Finalize определяет итоговый статус черновика при завершении звонка.
// Статус Connected сохраняется, неизвестный становится Missed для входящих
// и Cancelled для исходящих.
func (e Entry) Finalize() Entry {
	if e.Status != StatusUnknown {
		return e
	}
	if e.Direction == DirectionIncoming {
		e.Status = StatusMissed
	} else {
		e.Status = StatusCancelled
	}
	return e
}

// Log упорядоченный журнал, новые записи первыми
type Log struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewLog создает журнал из сохраненных записей.
// Лишние записи сверх Capacity отбрасываются с конца.
func NewLog(initial []Entry) *Log {
	l := &Log{}
	if len(initial) > Capacity {
		initial = initial[:Capacity]
	}
	l.entries = append(make([]Entry, 0, Capacity), initial...)
	return l
}

// Append вставляет запись в начало, самая старая вытесняется при переполнении
func (l *Log) Append(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, Entry{})
	copy(l.entries[1:], l.entries)
	l.entries[0] = e
	if len(l.entries) > Capacity {
		l.entries = l.entries[:Capacity]
	}
}

// Clear очищает журнал
func (l *Log) Clear() {
	l.mu.Lock()
	l.entries = l.entries[:0]
	l.mu.Unlock()
}

// Len число записей
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Entries возвращает копию записей
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// MarshalJSON сериализует журнал как JSON массив
func (l *Log) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Entries())
}

// Decode разбирает сохраненный журнал
func Decode(raw []byte) ([]Entry, error) {
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
