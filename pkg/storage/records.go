package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/arzzra/webphone/pkg/engine"
	"github.com/arzzra/webphone/pkg/history"
)

// ErrMalformed сохраненная запись не разбирается или неполна
var ErrMalformed = errors.New("storage: malformed record")

// CredentialsRecord сохраненные учетные данные вместе с ICE серверами
type CredentialsRecord struct {
	User       string             `json:"user"`
	Password   string             `json:"password"`
	Domain     string             `json:"domain"`
	SocketURL  string             `json:"socketUrl"`
	ICEServers []engine.ICEServer `json:"iceServers"`
}

// Credentials возвращает учетные данные без ICE серверов
func (r CredentialsRecord) Credentials() engine.Credentials {
	return engine.Credentials{User: r.User, Password: r.Password, Domain: r.Domain, SocketURL: r.SocketURL}
}

// NewCredentialsRecord собирает запись для сохранения
func NewCredentialsRecord(c engine.Credentials, ice []engine.ICEServer) CredentialsRecord {
	if ice == nil {
		ice = []engine.ICEServer{}
	}
	return CredentialsRecord{User: c.User, Password: c.Password, Domain: c.Domain, SocketURL: c.SocketURL, ICEServers: ice}
}

// SaveCredentials сохраняет учетные данные под KeyCredentials
func SaveCredentials(ctx context.Context, s Store, rec CredentialsRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.Set(ctx, KeyCredentials, raw)
}

// LoadCredentials читает учетные данные. Отсутствие записи дает ErrNotFound,
// битый JSON или незаполненные поля дают ErrMalformed.
func LoadCredentials(ctx context.Context, s Store) (CredentialsRecord, error) {
	raw, err := s.Get(ctx, KeyCredentials)
	if err != nil {
		return CredentialsRecord{}, err
	}
	var rec CredentialsRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return CredentialsRecord{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := rec.Credentials().Validate(); err != nil {
		return CredentialsRecord{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return rec, nil
}

// DeleteCredentials удаляет сохраненные учетные данные
func DeleteCredentials(ctx context.Context, s Store) error {
	return s.Delete(ctx, KeyCredentials)
}

// SaveHistory сохраняет журнал как JSON массив под KeyHistory
func SaveHistory(ctx context.Context, s Store, entries []history.Entry) error {
	if entries == nil {
		entries = []history.Entry{}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return s.Set(ctx, KeyHistory, raw)
}

// LoadHistory читает журнал. Отсутствие записи дает пустой журнал.
func LoadHistory(ctx context.Context, s Store) ([]history.Entry, error) {
	raw, err := s.Get(ctx, KeyHistory)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entries, err := history.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(entries) > history.Capacity {
		entries = entries[:history.Capacity]
	}
	return entries, nil
}
