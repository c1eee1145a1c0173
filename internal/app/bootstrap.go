package app

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/cloudvia/keystone-sync/internal/adapters/identity/keystone"
	"github.com/cloudvia/keystone-sync/internal/adapters/source/waldur"
	"github.com/cloudvia/keystone-sync/internal/config"
	"github.com/cloudvia/keystone-sync/internal/core/ports"
	"github.com/cloudvia/keystone-sync/internal/core/service"
	"github.com/cloudvia/keystone-sync/internal/errors"
	"github.com/cloudvia/keystone-sync/internal/log"
	jsonreport "github.com/cloudvia/keystone-sync/internal/reporting/json"
	"github.com/cloudvia/keystone-sync/internal/reporting/text"
)

func BuildApplicationFromViper(ctx context.Context, v *viper.Viper) (*Application, error) {
	cfg := config.DefaultConfig()
	err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)), func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeConfigParseError, "failed to unmarshal configuration")
	}

	logCfg := log.Config{Level: cfg.Settings.LogLevel, Format: cfg.Settings.LogFormat}
	logger, err := log.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to initialize logger: %v\n", err)
		return nil, errors.Wrap(err, errors.CodeInternal, "logger initialization failed")
	}
	logger.Infof(ctx, "Logger initialized (Level: %s, Format: %s)", cfg.Settings.LogLevel, cfg.Settings.LogFormat)
	if v.ConfigFileUsed() != "" {
		logger.Debugf(ctx, "Using configuration file: %s", v.ConfigFileUsed())
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err = validate.StructCtx(ctx, cfg); err != nil {
		var errorDetails strings.Builder
		errorDetails.WriteString("Configuration validation failed:")
		validationErrors := err.(validator.ValidationErrors)
		for _, fe := range validationErrors {
			errorDetails.WriteString(fmt.Sprintf("\n - Field '%s': Failed on '%s' validation (value: '%v')", fe.Namespace(), fe.Tag(), fe.Value()))
		}
		wrappedErr := errors.NewUserFacing(errors.CodeConfigValidation, errorDetails.String(), "Please check your configuration file or flags.")
		logger.Errorf(ctx, wrappedErr, "Configuration validation failed")
		return nil, wrappedErr
	}
	logger.Debugf(ctx, "Configuration validated successfully")

	policy := cfg.Retry.Policy()

	var gateway ports.IdentityGateway
	if cfg.Identity.Keystone != nil {
		gwLog := logger.WithFields(map[string]any{"gateway": "keystone"})
		gateway, err = keystone.NewGateway(*cfg.Identity.Keystone, policy, gwLog)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeConfigValidation, "failed to initialize Keystone gateway")
		}
		gwLog.Infof(ctx, "Using Keystone identity gateway: %v", cfg.Identity.Keystone.Redacted())
	} else {
		return nil, errors.NewUserFacing(errors.CodeConfigValidation, "no identity gateway configured", "Configure the identity.keystone section.")
	}

	var source ports.SourcePlatform
	if cfg.Source.Waldur != nil {
		srcLog := logger.WithFields(map[string]any{"source": waldur.SourceTypeWaldur})
		source, err = waldur.NewClient(*cfg.Source.Waldur, policy, srcLog)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeConfigValidation, "failed to initialize source platform client")
		}
		srcLog.Infof(ctx, "Using source platform at %s", cfg.Source.Waldur.APIURL)
	} else {
		return nil, errors.NewUserFacing(errors.CodeConfigValidation, "no source platform configured", "Configure the source.waldur section.")
	}

	var reporter ports.Reporter
	switch cfg.Settings.ReporterType {
	case text.ReporterTypeText:
		reportLog := logger.WithFields(map[string]any{"component": "reporter", "type": text.ReporterTypeText})
		if cfg.Settings.Reporter.Text == nil {
			cfg.Settings.Reporter.Text = &text.Config{}
		}
		reporter, err = text.NewReporter(*cfg.Settings.Reporter.Text, reportLog)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeInternal, "failed to initialize Text reporter")
		}
	case jsonreport.ReporterTypeJSON:
		reportLog := logger.WithFields(map[string]any{"component": "reporter", "type": jsonreport.ReporterTypeJSON})
		if cfg.Settings.Reporter.JSON == nil {
			cfg.Settings.Reporter.JSON = &jsonreport.Config{}
		}
		reporter, err = jsonreport.NewReporter(*cfg.Settings.Reporter.JSON, reportLog)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeInternal, "failed to initialize JSON reporter")
		}
	default:
		return nil, errors.NewUserFacing(errors.CodeConfigValidation, fmt.Sprintf("unsupported reporter type: %s", cfg.Settings.ReporterType), "Supported: text, json")
	}

	logger.Debugf(ctx, "Initializing reconciliation engine")
	engine := service.NewEngine(gateway, source, reporter, logger.WithFields(map[string]any{"component": "engine"}), service.Options{
		SyncInterval:  cfg.Sync.Interval,
		MaxConcurrent: cfg.Sync.MaxConcurrent,
		DefaultRole:   cfg.Identity.Keystone.DefaultRole,
		EventStream:   cfg.Sync.EventStream,
	})

	logger.Infof(ctx, "Application bootstrap complete")
	return &Application{Engine: engine, Gateway: gateway, Source: source, Logger: logger, Config: cfg}, nil
}
