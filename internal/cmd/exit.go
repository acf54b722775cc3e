package cmd

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/namelens/headroom/internal/ailink"
	"github.com/namelens/headroom/internal/ailink/driver"
)

// configError marks failures caused by invalid configuration or flags.
type configError struct {
	err error
}

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// invalidConfig wraps err so ExitCodeFor maps it to foundry.ExitConfigInvalid.
func invalidConfig(err error) error {
	if err == nil {
		return nil
	}
	return &configError{err: err}
}

// ExitCodeFor maps a command error to a semantic foundry exit code.
func ExitCodeFor(err error) foundry.ExitCode {
	var cfgErr *configError
	switch {
	case err == nil:
		return foundry.ExitFailure
	case stderrors.As(err, &cfgErr):
		return foundry.ExitConfigInvalid
	case stderrors.Is(err, fs.ErrNotExist):
		return foundry.ExitFileNotFound
	case stderrors.Is(err, ailink.ErrPauseCancelled), stderrors.Is(err, context.Canceled):
		return foundry.ExitFailure
	}
	if perr, ok := driver.AsProviderError(err); ok && perr.Temporary() {
		return foundry.ExitExternalServiceUnavailable
	}
	return foundry.ExitFailure
}

// exitMeta is the catalog metadata reported with a fatal exit.
type exitMeta struct {
	Code        int
	Name        string
	Description string
	Category    string
}

// exitInfo resolves catalog metadata for code, synthesizing an entry when
// the catalog does not know it.
func exitInfo(code foundry.ExitCode) exitMeta {
	info, ok := foundry.GetExitCodeInfo(code)
	if !ok {
		return exitMeta{Code: int(code), Name: "UNKNOWN", Description: "unknown exit code"}
	}
	return exitMeta{Code: info.Code, Name: info.Name, Description: info.Description, Category: info.Category}
}

// underlying returns the original error carried by an envelope, or err.
func underlying(err error) error {
	var envelope *errors.ErrorEnvelope
	if stderrors.As(err, &envelope) && envelope.Original != nil {
		if original, ok := envelope.Original.(error); ok {
			return original
		}
	}
	return err
}

// exitFields builds the structured log fields for a fatal exit.
func exitFields(info exitMeta, err error) []zap.Field {
	fields := []zap.Field{
		zap.Int("exit_code", info.Code),
		zap.String("exit_name", info.Name),
		zap.String("exit_description", info.Description),
		zap.String("exit_category", info.Category),
	}

	var envelope *errors.ErrorEnvelope
	if stderrors.As(err, &envelope) {
		fields = append(fields,
			zap.String("error_code", envelope.Code),
			zap.String("error_message", envelope.Message),
			zap.String("correlation_id", envelope.CorrelationID),
			zap.String("trace_id", envelope.TraceID),
		)
		if envelope.Context != nil {
			fields = append(fields, zap.Any("error_context", envelope.Context))
		}
	}
	if err != nil {
		fields = append(fields, zap.Error(underlying(err)))
	}
	return fields
}

// writeFatal prints the plain-text form of a fatal exit.
func writeFatal(w io.Writer, info exitMeta, msg string, err error) {
	var envelope *errors.ErrorEnvelope
	switch {
	case err == nil:
		fmt.Fprintf(w, "FATAL: %s\n", msg)
	case stderrors.As(err, &envelope):
		fmt.Fprintf(w, "FATAL: %s [%s]: %v (correlation: %s, trace: %s)\n",
			msg, envelope.Code, envelope.Message, envelope.CorrelationID, envelope.TraceID)
		if original := underlying(err); original != err {
			fmt.Fprintf(w, "Underlying error: %v\n", original)
		}
	default:
		fmt.Fprintf(w, "FATAL: %s: %v\n", msg, err)
	}
	fmt.Fprintf(w, "Exit Code: %d (%s) - %s\n", info.Code, info.Name, info.Description)
}

// ExitWithCode logs msg and err with exit code metadata and exits. A nil
// logger falls back to stderr, for failures before logging is set up.
func ExitWithCode(logger *logging.Logger, exitCode foundry.ExitCode, msg string, err error) {
	info := exitInfo(exitCode)
	if logger == nil {
		writeFatal(os.Stderr, info, msg, err)
	} else {
		logger.Error(msg, exitFields(info, err)...)
	}
	os.Exit(info.Code)
}

// ExitWithCodeStderr writes msg and err to stderr and exits.
func ExitWithCodeStderr(exitCode foundry.ExitCode, msg string, err error) {
	info := exitInfo(exitCode)
	writeFatal(os.Stderr, info, msg, err)
	os.Exit(info.Code)
}
