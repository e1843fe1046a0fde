package server

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/auricle-ai/auricle/internal/protocol"
	"github.com/auricle-ai/auricle/internal/store"
)

// speakPairingPrompt delivers the spoken pairing code to an unbound device.
// The code is generated once per device and its synthesized audio is cached
// in the store, so reconnects replay it without another synthesis round trip.
func (c *conn) speakPairingPrompt(ctx context.Context) {
	st := c.srv.deps.Store
	pc, err := st.PairingCode(ctx, c.sess.DeviceID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		pc = &store.PairingCode{
			DeviceID:  c.sess.DeviceID,
			Code:      newPairingCode(),
			CreatedAt: time.Now(),
		}
		if err := st.SavePairingCode(ctx, pc); err != nil {
			c.log.Error("saving pairing code failed", "error", err)
			return
		}
		c.log.Info("pairing code issued", "code", pc.Code)
	case err != nil:
		c.log.Error("pairing code lookup failed", "error", err)
		return
	}

	frames := pc.PromptAudio
	if len(frames) == 0 {
		frames, err = c.synthesizePrompt(ctx, pairingPromptText(pc.Code))
		if err != nil {
			c.log.Error("pairing prompt synthesis failed", "error", err)
			return
		}
		if err := st.CachePromptAudio(ctx, c.sess.DeviceID, frames); err != nil {
			c.log.Warn("caching pairing prompt failed", "error", err)
		}
	}

	text := pairingPromptText(pc.Code)
	if err := c.sess.Send(ctx, protocol.NewTTS(text, true, false)); err != nil {
		return
	}
	for _, f := range frames {
		if err := c.sess.SendBinary(ctx, f); err != nil {
			return
		}
	}
	if err := c.sess.Send(ctx, protocol.NewTTS("", false, true)); err != nil {
		return
	}
	c.log.Debug("pairing prompt delivered", "frames", len(frames))
}

// synthesizePrompt runs one standalone synthesis pass and collects the audio.
func (c *conn) synthesizePrompt(ctx context.Context, text string) ([][]byte, error) {
	in := make(chan string, 1)
	in <- text
	close(in)

	out, err := c.srv.deps.TTS.SynthesizeStream(ctx, in, c.srv.cfg.Voice)
	if err != nil {
		return nil, err
	}
	var frames [][]byte
	for f := range out {
		frames = append(frames, f)
	}
	if len(frames) == 0 {
		return nil, errors.New("server: synthesis produced no audio")
	}
	return frames, nil
}

// pairingPromptText spaces the digits so text-to-speech reads them one by one.
func pairingPromptText(code string) string {
	return "This device is not paired yet. Your pairing code is " +
		strings.Join(strings.Split(code, ""), " ") + "."
}

// newPairingCode derives a 6-digit code from a fresh UUID.
func newPairingCode() string {
	u := uuid.New()
	return fmt.Sprintf("%06d", binary.BigEndian.Uint32(u[0:4])%1000000)
}
