package feeds

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// REPLAY - Drive the pipeline from a captured packet dump
// ═══════════════════════════════════════════════════════════════════════════════
//
// A dump is a concatenation of raw vendor frames; each frame's own header
// carries its length, so no extra framing is needed. Frames are pushed
// through the same parser and metric path as the live feed, which makes
// replays byte-identical to live sessions.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Replay feeds captured frames into a MarketFeed's event channels.
type Replay struct {
	feed *MarketFeed
}

// NewReplay wraps an unstarted MarketFeed. The feed's channels deliver
// the replayed events; the websocket machinery stays idle.
func NewReplay(feed *MarketFeed) *Replay {
	return &Replay{feed: feed}
}

// RunFile replays every frame in the dump at path. Returns the number of
// frames delivered.
func (r *Replay) RunFile(path string) (int, error) {
	fh, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open dump: %w", err)
	}
	defer fh.Close()
	return r.Run(bufio.NewReader(fh))
}

// Run replays frames from an arbitrary reader until EOF.
func (r *Replay) Run(rd io.Reader) (int, error) {
	frames := 0
	header := make([]byte, headerSize)

	for {
		if _, err := io.ReadFull(rd, header); err != nil {
			if err == io.EOF {
				break
			}
			return frames, fmt.Errorf("read frame header: %w", err)
		}
		h, err := ParseHeader(header)
		if err != nil {
			return frames, err
		}
		if int(h.MessageLength) < headerSize {
			return frames, fmt.Errorf("frame %d: bad length %d", frames, h.MessageLength)
		}

		frame := make([]byte, h.MessageLength)
		copy(frame, header)
		if _, err := io.ReadFull(rd, frame[headerSize:]); err != nil {
			return frames, fmt.Errorf("frame %d truncated: %w", frames, err)
		}

		if fatal := r.feed.processFrames(frame); fatal {
			log.Warn().Int("frames", frames).Msg("Replay stopped on server disconnect frame")
			return frames, nil
		}
		frames++
	}

	log.Info().Int("frames", frames).Msg("🎬 Replay complete")
	return frames, nil
}
