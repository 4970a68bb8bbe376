package texlink

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/jenniferdsbaumgart/Texlink-sub001/channel"
	"github.com/jenniferdsbaumgart/Texlink-sub001/config"
	"github.com/jenniferdsbaumgart/Texlink-sub001/factory"
	"github.com/jenniferdsbaumgart/Texlink-sub001/outbox"
	"github.com/jenniferdsbaumgart/Texlink-sub001/session"
)

// Types surfaced by the session callbacks.
type (
	State = session.State
	Entry = outbox.Entry
)

// ErrNoCredentials indicates a client built without a credential source or a
// configured token.
var ErrNoCredentials = errors.New("no credentials configured")

// Client is a negotiation session together with the channel and outbox store
// it owns. The embedded Manager exposes the session API.
type Client struct {
	*session.Manager

	cfg   *config.Config
	ch    channel.Channel
	store outbox.Store
}

// New builds a client from cfg. A nil creds uses cfg.Token. A nil cfg
// selects config.Default in simulation mode.
func New(cfg *config.Config, creds session.CredentialSource) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
		cfg.Simulation = true
	}
	if creds == nil {
		if cfg.Token == "" {
			return nil, ErrNoCredentials
		}
		token := cfg.Token
		creds = session.CredentialFunc(func(context.Context) (string, error) {
			return token, nil
		})
	}

	f := factory.NewClientFactory(cfg)
	ch, err := f.CreateChannel()
	if err != nil {
		return nil, fmt.Errorf("create channel: %w", err)
	}
	store, err := f.CreateStore()
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("create outbox store: %w", err)
	}

	c := &Client{
		Manager: session.NewManager(ch, store, creds, cfg.SessionOptions()),
		cfg:     cfg,
		ch:      ch,
		store:   store,
	}

	logrus.WithFields(logrus.Fields{
		"function":   "New",
		"simulation": cfg.Simulation,
		"server_url": cfg.ServerURL,
	}).Info("Negotiation client created")
	return c, nil
}

// Channel returns the client's channel. In simulation mode it is a
// *channel.Memory.
func (c *Client) Channel() channel.Channel {
	return c.ch
}

// Config returns the configuration the client was built from.
func (c *Client) Config() *config.Config {
	return c.cfg
}

// Close closes the session, then the channel and the outbox store.
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()

	var errs []error
	if err := c.Manager.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close session: %w", err))
	}
	if err := c.ch.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close channel: %w", err))
	}
	if err := c.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close outbox store: %w", err))
	}

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"errors":   len(errs),
	}).Info("Negotiation client closed")
	return errors.Join(errs...)
}
