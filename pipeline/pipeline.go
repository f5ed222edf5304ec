// Package pipeline coordinates the voice interaction flow: capture a
// recording, transcribe it, dispatch the text over the session, and speak
// replies that come back.
package pipeline

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog"

	"aria/capture"
	"aria/session"
	"aria/synth"
	"aria/transcribe"
	"aria/wire"
)

// ErrBusy means a voice interaction is already in flight.
var ErrBusy = errors.New("voice interaction already in progress")

type Orchestrator struct {
	capture   *capture.Engine
	gateway   *transcribe.Gateway
	player    *synth.Player
	transport *session.Transport
	log       zerolog.Logger

	busy         atomic.Bool
	statusFn     atomic.Pointer[func(state, detail string)]
	transcriptFn atomic.Pointer[func(wire.Transcription)]
}

func NewOrchestrator(
	cap *capture.Engine,
	gw *transcribe.Gateway,
	player *synth.Player,
	transport *session.Transport,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		capture:   cap,
		gateway:   gw,
		player:    player,
		transport: transport,
		log:       log,
	}
}

// SetStatusFunc registers a consumer for backend status updates.
func (o *Orchestrator) SetStatusFunc(fn func(state, detail string)) {
	o.statusFn.Store(&fn)
}

// SetTranscriptFunc registers a consumer for server-pushed transcription
// results arriving as structured voice-data envelopes.
func (o *Orchestrator) SetTranscriptFunc(fn func(wire.Transcription)) {
	o.transcriptFn.Store(&fn)
}

// BindTransport subscribes the orchestrator to inbound session traffic:
// assistant chat replies are spoken, status updates surfaced, errors logged.
func (o *Orchestrator) BindTransport(ctx context.Context) {
	if o.transport == nil {
		return
	}
	o.transport.On(wire.TypeChat, func(msg wire.Message) {
		text := msg.Text()
		if text == "" {
			return
		}
		// Speak off the read loop so dispatch is never blocked.
		go func() {
			if err := o.SpeakText(ctx, text); err != nil {
				o.log.Error().Err(err).Msg("speaking reply failed")
			}
		}()
	})
	o.transport.On(wire.TypeStatusUpdate, func(msg wire.Message) {
		var st wire.Status
		if err := msg.DecodeData(&st); err != nil {
			o.log.Warn().Err(err).Msg("malformed status update")
			return
		}
		if fn := o.statusFn.Load(); fn != nil {
			(*fn)(st.State, st.Message)
		}
	})
	o.transport.On(wire.TypeVoiceData, func(msg wire.Message) {
		var tr wire.Transcription
		if err := msg.DecodeData(&tr); err != nil {
			o.log.Warn().Err(err).Msg("malformed voice data envelope")
			return
		}
		if fn := o.transcriptFn.Load(); fn != nil {
			(*fn)(tr)
		}
	})
	o.transport.On(wire.TypeError, func(msg wire.Message) {
		var e wire.ErrorInfo
		if msg.DecodeData(&e) == nil {
			o.log.Error().Str("code", e.Code).Str("message", e.Message).Msg("backend error")
		}
	})
}

// Busy reports whether a voice interaction is in flight.
func (o *Orchestrator) Busy() bool {
	return o.busy.Load()
}

// RecordAndTranscribe runs one full voice turn: record until stopped,
// upload, gate on confidence, and dispatch the text as a chat message.
// Only one turn runs at a time; concurrent calls get ErrBusy.
func (o *Orchestrator) RecordAndTranscribe(ctx context.Context) (*transcribe.Result, error) {
	if !o.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer o.busy.Store(false)

	if err := o.capture.StartRecording(); err != nil {
		return nil, err
	}

	select {
	case <-o.capture.Done():
	case <-ctx.Done():
		o.capture.StopRecording()
		<-o.capture.Done()
		return nil, ctx.Err()
	}

	blob := o.capture.TakeBlob()
	result, err := o.gateway.Transcribe(ctx, blob)
	if err != nil {
		return result, err
	}

	if o.transport != nil {
		if !o.transport.Send(wire.NewChat("", "", result.Text)) {
			o.log.Warn().Msg("session down, transcription not dispatched")
		}
	}
	return result, nil
}

// StopVoiceInput ends the active recording, letting RecordAndTranscribe
// proceed to upload. Safe to call at any time.
func (o *Orchestrator) StopVoiceInput() {
	o.capture.StopRecording()
}

// SpeakText synthesizes the text and starts playback immediately.
func (o *Orchestrator) SpeakText(ctx context.Context, text string) error {
	return o.player.Speak(ctx, text)
}
