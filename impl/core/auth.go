package core

import (
	"FunnelBot/entity"
	"FunnelBot/internal/lib/sl"
	"fmt"
	"log/slog"
)

const rootOperator = "admin"

// AuthenticateKey accepts the configured key or any key stored in the
// repository. Nil with no error means the key is unknown.
func (c *Core) AuthenticateKey(key string) (*entity.Operator, error) {
	if key == "" {
		return nil, nil
	}
	if c.authKey != "" && key == c.authKey {
		return &entity.Operator{Username: rootOperator}, nil
	}

	c.mu.RLock()
	username, ok := c.keys[key]
	c.mu.RUnlock()
	if ok {
		return &entity.Operator{Username: username}, nil
	}

	if c.repo == nil {
		return nil, nil
	}
	username, err := c.repo.CheckApiKey(key)
	if err != nil {
		c.log.With(sl.Secret("key", key), sl.Err(err)).Error("check api key")
		return nil, fmt.Errorf("check api key: %w", err)
	}
	if username == "" {
		return nil, nil
	}

	c.mu.Lock()
	c.keys[key] = username
	c.mu.Unlock()
	c.log.Debug("api key accepted", slog.String("operator", username))
	return &entity.Operator{Username: username}, nil
}
