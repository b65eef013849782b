package webrtcpeer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

const (
	opusSampleRate   = 48000
	opusChannelCount = 2

	// oggPageDuration paces outbound pages. Opus encoders typically emit
	// 20ms per page.
	oggPageDuration = 20 * time.Millisecond
)

// OggSource streams Opus pages from an Ogg file as a local audio track.
type OggSource struct {
	path  string
	track *webrtc.TrackLocalStaticSample
	log   *slog.Logger
}

// NewOggSource validates that path holds an Ogg Opus stream and creates the
// track it will be played on.
func NewOggSource(path string, logger *slog.Logger) (*OggSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	_, header, err := oggreader.NewWith(f)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("read ogg header %s: %w", path, err)
	}
	if header.Channels == 0 {
		return nil, fmt.Errorf("ogg file %s has no channels", path)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio",
		"signal-peer",
	)
	if err != nil {
		return nil, err
	}
	return &OggSource{path: path, track: track, log: logger}, nil
}

func (s *OggSource) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.track}
}

// Run plays the file once in real time. Samples written before the track is
// bound to a connection are discarded. It returns nil at end of file.
func (s *OggSource) Run(ctx context.Context) error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	ogg, _, err := oggreader.NewWith(f)
	if err != nil {
		return fmt.Errorf("read ogg header %s: %w", s.path, err)
	}

	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()

	var lastGranule uint64
	pages := 0
	for {
		page, header, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			s.log.Info("ogg source finished", "path", s.path, "pages", pages)
			return nil
		}
		if err != nil {
			return fmt.Errorf("read ogg page: %w", err)
		}

		sampleCount := float64(header.GranulePosition - lastGranule)
		lastGranule = header.GranulePosition
		duration := time.Duration((sampleCount / opusSampleRate) * float64(time.Second))

		if err := s.track.WriteSample(media.Sample{Data: page, Duration: duration}); err != nil {
			return fmt.Errorf("write sample: %w", err)
		}
		pages++

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// OggSink records received Opus tracks into an Ogg file.
type OggSink struct {
	log *slog.Logger

	mu     sync.Mutex
	w      *oggwriter.OggWriter
	closed bool
}

func NewOggSink(path string, logger *slog.Logger) (*OggSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := oggwriter.New(path, opusSampleRate, opusChannelCount)
	if err != nil {
		return nil, err
	}
	return &OggSink{log: logger, w: w}, nil
}

// HandleTrack copies RTP packets from track into the file until the track
// ends. Non-Opus tracks are ignored. It has the signature of pion's OnTrack
// callback.
func (s *OggSink) HandleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	mime := track.Codec().MimeType
	if !strings.EqualFold(mime, webrtc.MimeTypeOpus) {
		s.log.Warn("ignoring non-opus track", "mime_type", mime, "track_id", track.ID())
		return
	}
	s.log.Info("recording track", "track_id", track.ID(), "ssrc", uint32(track.SSRC()))

	packets := 0
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			s.log.Info("track ended", "track_id", track.ID(), "packets", packets, "err", err)
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		err = s.w.WriteRTP(pkt)
		s.mu.Unlock()
		if err != nil {
			s.log.Warn("write rtp", "err", err)
			return
		}
		packets++
	}
}

// Close finalizes the file. Further packets are dropped.
func (s *OggSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.w.Close()
}
