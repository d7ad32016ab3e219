package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/MrWong99/scriptcue/internal/config"
	"github.com/MrWong99/scriptcue/internal/server"
	"github.com/MrWong99/scriptcue/pkg/speech"
	"github.com/MrWong99/scriptcue/pkg/speech/deepgram"
)

// binder is implemented by sources that deliver events to a handler set
// after construction.
type binder interface {
	Bind(speech.Handler)
}

// registerBuiltinSources wires the speech sources that ship with scriptcue.
// Browser recognition signals through hub.
func registerBuiltinSources(reg *config.Registry, hub *server.Hub, log *slog.Logger) {
	reg.RegisterSource("browser", func(config.SpeechConfig) (speech.Source, error) {
		return server.NewBridge(hub), nil
	})

	reg.RegisterSource("deepgram", func(sc config.SpeechConfig) (speech.Source, error) {
		opts := []deepgram.Option{deepgram.WithLogger(log)}
		if sc.Model != "" {
			opts = append(opts, deepgram.WithModel(sc.Model))
		}
		if sc.Language != "" {
			opts = append(opts, deepgram.WithLanguage(sc.Language))
		}
		if sc.SampleRate > 0 {
			opts = append(opts, deepgram.WithSampleRate(sc.SampleRate))
		}
		if sc.Endpoint != "" {
			opts = append(opts, deepgram.WithEndpoint(sc.Endpoint))
		}
		return deepgram.New(sc.APIKey, audioInput(sc.Input), opts...)
	})
}

// audioInput opens raw PCM from a file for every listening run, or shares
// standard input across runs when input is "-". Reading either to the end
// stops recording.
func audioInput(input string) deepgram.AudioFunc {
	if input == "-" {
		return func(context.Context) (io.ReadCloser, error) {
			return io.NopCloser(os.Stdin), nil
		}
	}
	return func(context.Context) (io.ReadCloser, error) {
		f, err := os.Open(input)
		if err != nil {
			return nil, fmt.Errorf("open audio input: %w", err)
		}
		return f, nil
	}
}
