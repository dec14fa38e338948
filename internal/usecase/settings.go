package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

type ParamBatchGetter interface {
	GetParameters(ctx context.Context, names ...string) (map[string]string, error)
}

// ModelSettings holds the model names kept in Parameter Store. They are read
// on first use and cached; a failed read is retried on the next request.
type ModelSettings struct {
	params ParamBatchGetter
	prefix string

	cacheMu    sync.RWMutex
	loaded     bool
	chatModel  string
	imageModel string
}

func NewModelSettings(p ParamBatchGetter, paramPrefix string) (*ModelSettings, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	return &ModelSettings{params: p, prefix: paramPrefix}, nil
}

func (m *ModelSettings) chatModelName() string  { return m.prefix + "/config/chat_model" }
func (m *ModelSettings) imageModelName() string { return m.prefix + "/config/image_model" }

func (m *ModelSettings) ensureConfig(ctx context.Context) error {
	m.cacheMu.RLock()
	if m.loaded {
		m.cacheMu.RUnlock()
		return nil
	}
	m.cacheMu.RUnlock()

	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if m.loaded {
		return nil
	}

	vals, err := m.params.GetParameters(ctx, m.chatModelName(), m.imageModelName())
	if err != nil {
		return fmt.Errorf("usecase: load model settings: %w", err)
	}
	chat := strings.TrimSpace(vals[m.chatModelName()])
	image := strings.TrimSpace(vals[m.imageModelName()])
	if chat == "" || image == "" {
		return errors.New("usecase: load model settings: model name is empty")
	}

	m.chatModel = chat
	m.imageModel = image
	m.loaded = true
	return nil
}

// ChatModel returns the analysis model, loading settings if needed.
func (m *ModelSettings) ChatModel(ctx context.Context) (string, error) {
	if err := m.ensureConfig(ctx); err != nil {
		return "", err
	}
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	return m.chatModel, nil
}

// ImageModel returns the image model, loading settings if needed.
func (m *ModelSettings) ImageModel(ctx context.Context) (string, error) {
	if err := m.ensureConfig(ctx); err != nil {
		return "", err
	}
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	return m.imageModel, nil
}
