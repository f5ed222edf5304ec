// Package doctor runs interactive diagnostics for the microphone, the
// assistant backend, and the realtime session endpoint.
package doctor

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"aria/audio"
	"aria/config"
)

// Run executes the checks and returns an exit code (0=all pass, 1=any fail).
func Run(cfg config.Config) int {
	fmt.Println("aria doctor - system diagnostics")
	fmt.Println("================================")

	allPass := true

	if !checkMicrophone(cfg) {
		allPass = false
	}
	if !checkBackend(cfg) {
		allPass = false
	}
	if !checkSession(cfg) {
		allPass = false
	}

	fmt.Println()
	if allPass {
		fmt.Println("All checks passed!")
		return 0
	}
	fmt.Println("Some checks failed. See details above.")
	return 1
}

func checkMicrophone(cfg config.Config) bool {
	fmt.Println()
	fmt.Println("[1/3] Microphone")

	ctx, err := audio.NewContext()
	if err != nil {
		fmt.Printf("  FAIL: cannot connect to audio: %v\n", err)
		return false
	}
	defer ctx.Close()

	devices, err := ctx.Devices()
	if err != nil {
		fmt.Printf("  FAIL: cannot list devices: %v\n", err)
		return false
	}
	if len(devices) == 0 {
		fmt.Println("  FAIL: no capture devices found")
		return false
	}
	for _, d := range devices {
		note := ""
		if audio.IsBluetooth(d.Name) {
			note = " (bluetooth)"
		}
		fmt.Printf("  device: %s%s\n", d.Name, note)
	}

	dev, err := ctx.NewCapture(nil, audio.CaptureConfig{
		SampleRate: uint32(cfg.SampleRate),
		Channels:   1,
	})
	if err != nil {
		fmt.Printf("  FAIL: cannot open default device: %v\n", err)
		return false
	}
	defer dev.Close()

	fmt.Println("  Speak for 2 seconds...")

	var mu sync.Mutex
	var peak float64
	cb := audio.DataCallback(func(data []byte, _ uint32) {
		for i := 0; i+1 < len(data); i += 2 {
			s := math.Abs(float64(int16(binary.LittleEndian.Uint16(data[i:]))) / 32768.0)
			mu.Lock()
			if s > peak {
				peak = s
			}
			mu.Unlock()
		}
	})
	dev.SetCallback(cb)
	if err := dev.Start(); err != nil {
		fmt.Printf("  FAIL: cannot start capture: %v\n", err)
		return false
	}
	time.Sleep(2 * time.Second)
	dev.Stop()
	dev.ClearCallback()

	mu.Lock()
	p := peak
	mu.Unlock()
	if p < 0.01 {
		fmt.Printf("  FAIL: no signal detected (peak %.3f)\n", p)
		return false
	}
	fmt.Printf("  PASS: signal detected (peak %.2f)\n", p)
	return true
}

func checkBackend(cfg config.Config) bool {
	fmt.Println()
	fmt.Println("[2/3] Backend API")
	fmt.Printf("  %s\n", cfg.BaseURL)

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequest("GET", cfg.BaseURL+"/api/voice/voices", nil)
	if err != nil {
		fmt.Printf("  FAIL: %v\n", err)
		return false
	}
	if cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Printf("  FAIL: backend unreachable: %v\n", err)
		return false
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		fmt.Printf("  FAIL: backend error %d\n", resp.StatusCode)
		return false
	}
	fmt.Printf("  PASS: backend answered %d\n", resp.StatusCode)
	return true
}

func checkSession(cfg config.Config) bool {
	fmt.Println()
	fmt.Println("[3/3] Realtime session")
	fmt.Printf("  %s\n", cfg.WSURL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, cfg.WSURL, nil)
	if err != nil {
		fmt.Printf("  FAIL: websocket dial: %v\n", err)
		return false
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	conn.Close()
	fmt.Println("  PASS: websocket handshake succeeded")
	return true
}
