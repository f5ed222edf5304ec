package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"aria/audio"
	"aria/beep"
	"aria/capture"
	"aria/config"
	"aria/doctor"
	"aria/log"
	"aria/pipeline"
	"aria/session"
	"aria/synth"
	"aria/transcribe"
	"aria/wire"
)

var version = "dev"

var shutdownOnce sync.Once

type app struct {
	cfg       config.Config
	engine    *capture.Engine
	gateway   *transcribe.Gateway
	player    *synth.Player
	transport *session.Transport
	orch      *pipeline.Orchestrator
}

func gracefulShutdown(a *app) {
	shutdownOnce.Do(func() {
		if a != nil {
			a.engine.StopRecording()
			a.player.Close()
			a.transport.Disconnect()
		}
		log.Close()
		tuiMu.Lock()
		p := tuiProgram
		tuiMu.Unlock()
		if p != nil {
			p.Quit()
		}
		os.Exit(0)
	})
}

func deviceLineText(dev *audio.DeviceInfo) string {
	name := "system default"
	suffix := ""
	if dev != nil {
		name = dev.Name
		if audio.IsBluetooth(dev.Name) {
			suffix = " (BT!)"
		}
	}
	return "mic: " + name + suffix
}

func modeLineText(cfg config.Config) string {
	return fmt.Sprintf("[%s | %s | voice: %s]", cfg.UploadFormat, cfg.Language, cfg.Voice)
}

func main() {
	setupFlag := flag.Bool("setup", false, "Select microphone device (otherwise uses system default)")
	deviceFlag := flag.String("device", "", "Use named microphone device")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	voicesFlag := flag.Bool("voices", false, "List synthesis voices and exit")
	sayFlag := flag.String("say", "", "Speak the given text and exit (no TUI)")
	logPathFlag := flag.String("logpath", "", "log directory path (default: current dir)")
	debugFlag := flag.Bool("debug", false, "Verbose diagnostic logging")
	doctorFlag := flag.Bool("doctor", false, "Run system diagnostics and exit")
	quietFlag := flag.Bool("quiet", false, "Disable audio feedback cues")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("aria %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *doctorFlag {
		os.Exit(doctor.Run(cfg))
	}

	logDir := *logPathFlag
	if logDir == "" {
		logDir = "."
	}
	level := zerolog.InfoLevel
	if *debugFlag {
		level = zerolog.DebugLevel
	}
	if err := log.Init(logDir, level); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	log.SessionStart(cfg.WSURL, cfg.Voice, cfg.UploadFormat)

	crashPath := filepath.Join(logDir, "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err == nil {
		fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
		debug.SetCrashOutput(crashFile, debug.CrashOptions{})
	}

	player := synth.NewPlayer(synth.Config{
		BaseURL:   cfg.BaseURL,
		AuthToken: cfg.AuthToken,
		Timeout:   cfg.HTTPTimeout,
		Voice:     cfg.Voice,
		Speed:     cfg.VoiceSpeed,
		Format:    cfg.SynthFormat,
	}, nil, log.Component("synth"))

	if *voicesFlag {
		voices, err := player.Voices(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		for _, v := range voices {
			fmt.Printf("%-20s %-24s %s\n", v.ID, v.Name, v.Language)
		}
		os.Exit(0)
	}

	actx, err := audio.NewContext()
	if err != nil {
		log.Errorf("audio context init error: %v", err)
		fmt.Fprintf(os.Stderr, "Error initializing audio context: %v\n", err)
		os.Exit(1)
	}
	defer actx.Close()

	if *quietFlag {
		beep.Disable()
	}
	beep.Init(actx)

	// Rebuild the player now that an output context exists.
	player = synth.NewPlayer(synth.Config{
		BaseURL:   cfg.BaseURL,
		AuthToken: cfg.AuthToken,
		Timeout:   cfg.HTTPTimeout,
		Voice:     cfg.Voice,
		Speed:     cfg.VoiceSpeed,
		Format:    cfg.SynthFormat,
	}, actx, log.Component("synth"))

	if *sayFlag != "" {
		if err := player.Speak(context.Background(), *sayFlag); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		<-player.Done()
		player.Close()
		return
	}

	var selectedDevice *audio.DeviceInfo
	if *deviceFlag != "" {
		if devices, err := actx.Devices(); err == nil {
			for i := range devices {
				if devices[i].Name == *deviceFlag {
					selectedDevice = &devices[i]
					break
				}
			}
		}
	} else if *setupFlag {
		selectedDevice, err = selectDevice(actx)
		if err != nil {
			log.Warnf("device selection failed: %v", err)
			fmt.Printf("Warning: device selection failed: %v\n", err)
			fmt.Println("Falling back to default device")
			selectedDevice = nil
		}
	}

	engine := capture.NewEngine(actx, capture.Config{
		SampleRate:      cfg.SampleRate,
		ChunkInterval:   cfg.ChunkInterval,
		MaxDuration:     cfg.MaxRecording,
		UploadFormat:    cfg.UploadFormat,
		Device:          selectedDevice,
		SilenceAutoStop: 30 * time.Second,
	}, log.Component("capture"))

	gateway := transcribe.NewGateway(transcribe.Config{
		BaseURL:             cfg.BaseURL,
		AuthToken:           cfg.AuthToken,
		Timeout:             cfg.HTTPTimeout,
		Language:            cfg.Language,
		UploadFormat:        cfg.UploadFormat,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
	}, log.Component("transcribe"))

	transport := session.NewTransport(session.Config{
		URL:               cfg.WSURL,
		Token:             cfg.AuthToken,
		ReconnectDelay:    cfg.ReconnectDelay,
		MaxReconnectDelay: cfg.MaxReconnectDelay,
		MaxReconnects:     cfg.MaxReconnects,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, log.Component("session"))
	transport.UpdateSession(uuid.NewString(), os.Getenv("USER"))

	ctx := context.Background()
	orch := pipeline.NewOrchestrator(engine, gateway, player, transport, log.Component("pipeline"))
	orch.BindTransport(ctx)

	a := &app{cfg: cfg, engine: engine, gateway: gateway, player: player, transport: transport, orch: orch}

	// Surface everything the TUI renders.
	transport.OnState(func(s session.State) {
		sendToTUI(SessionStateMsg{State: s})
	})
	transport.OnError(func(err error) {
		sendToTUI(NoticeMsg{Text: "link: " + err.Error()})
	})
	transport.On(wire.TypeChat, func(msg wire.Message) {
		if text := msg.Text(); text != "" {
			sendToTUI(ReplyMsg{Text: text})
		}
	})
	orch.SetStatusFunc(func(state, detail string) {
		sendToTUI(StatusMsg{State: state, Detail: detail})
	})
	orch.SetTranscriptFunc(func(tr wire.Transcription) {
		sendToTUI(TranscriptionMsg{Text: tr.Text, Confidence: tr.Confidence})
	})
	engine.SetLevelFunc(func(level float64) {
		sendToTUI(AudioLevelMsg{Level: level})
	})
	// Stream live chunks over the session; frames are dropped while the
	// link is down.
	engine.SetChunkFunc(func(chunk []byte) {
		transport.SendVoiceFrame(chunk)
	})
	engine.SetEventFunc(func(ev capture.Event) {
		switch ev {
		case capture.EventSilenceWarn:
			sendToTUI(NoticeMsg{Text: "⚠ no voice detected"})
		case capture.EventSilenceCleared:
			sendToTUI(NoticeMsg{Text: ""})
		case capture.EventAutoStopSilence:
			sendToTUI(NoticeMsg{Text: "stopped: silence"})
		case capture.EventAutoStopMaxDuration:
			sendToTUI(NoticeMsg{Text: "stopped: max duration"})
		}
	})

	controls := tuiControls{
		toggleRecord: func() {
			if engine.Snapshot().IsRecording {
				orch.StopVoiceInput()
				return
			}
			go voiceTurn(ctx, a)
		},
		togglePause: func() {
			if player.Snapshot().IsPlaying {
				player.Pause()
			} else {
				player.Play()
			}
		},
		stopPlayback: func() {
			player.Stop()
		},
	}

	tuiMu.Lock()
	tuiProgram = NewTUIProgram(controls)
	tuiMu.Unlock()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		gracefulShutdown(a)
	}()

	go func() {
		if err := transport.Connect(ctx); err != nil {
			log.Errorf("session connect error: %v", err)
		}
	}()

	// Playback progress poller.
	go func() {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			pb := player.Snapshot()
			sendToTUI(PlaybackMsg{Playing: pb.IsPlaying, Position: pb.PositionSeconds, Duration: pb.DurationSeconds})
		}
	}()

	sendToTUI(ModeLineMsg{Text: modeLineText(cfg)})
	sendToTUI(DeviceLineMsg{Text: deviceLineText(selectedDevice)})

	if _, err := tuiProgram.Run(); err != nil {
		log.Errorf("TUI error: %v", err)
		os.Exit(1)
	}
	gracefulShutdown(a)
}

// voiceTurn runs one record-transcribe-dispatch cycle and feeds the TUI.
func voiceTurn(ctx context.Context, a *app) {
	sendToTUI(RecordingStartMsg{})
	beep.PlayStart()

	tickerDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		start := time.Now()
		for {
			select {
			case <-tickerDone:
				return
			case <-ticker.C:
				sendToTUI(RecordingTickMsg{Duration: time.Since(start).Seconds()})
			}
		}
	}()

	result, err := a.orch.RecordAndTranscribe(ctx)
	close(tickerDone)
	sendToTUI(RecordingStopMsg{})
	beep.PlayEnd()

	switch {
	case err == nil:
		sendToTUI(TranscriptionMsg{Text: result.Text, Confidence: result.Confidence})
	case err == pipeline.ErrBusy:
		// Another turn is active; nothing to report.
	case err == transcribe.ErrNoSpeech:
		sendToTUI(TranscriptionMsg{NoSpeech: true})
	case err == transcribe.ErrLowConfidence:
		sendToTUI(TranscriptionMsg{Text: result.Text, Confidence: result.Confidence, Rejected: true})
	default:
		log.Errorf("voice turn error: %v", err)
		beep.PlayError()
		sendToTUI(NoticeMsg{Text: "error: " + err.Error()})
	}
}
