package push

import (
	"context"
	"encoding/base64"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// FCMConfig selects Firebase credentials. CredentialsBase64 wins over
// CredentialsFile when both are set.
type FCMConfig struct {
	CredentialsFile   string
	CredentialsBase64 string
	ProjectID         string
}

// NewFCMProvider connects to Firebase Cloud Messaging. The returned client
// satisfies Provider.
func NewFCMProvider(ctx context.Context, cfg FCMConfig) (*messaging.Client, error) {
	var opt option.ClientOption
	switch {
	case cfg.CredentialsBase64 != "":
		raw, err := base64.StdEncoding.DecodeString(cfg.CredentialsBase64)
		if err != nil {
			return nil, fmt.Errorf("decode firebase credentials: %w", err)
		}
		opt = option.WithCredentialsJSON(raw)
	case cfg.CredentialsFile != "":
		opt = option.WithCredentialsFile(cfg.CredentialsFile)
	default:
		return nil, fmt.Errorf("no firebase credentials configured")
	}

	var fbConfig *firebase.Config
	if cfg.ProjectID != "" {
		fbConfig = &firebase.Config{ProjectID: cfg.ProjectID}
	}

	app, err := firebase.NewApp(ctx, fbConfig, opt)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init messaging client: %w", err)
	}
	return client, nil
}
