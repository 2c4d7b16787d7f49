package discord

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/voxpool/chorus/internal/platform"
)

// streamClient is shared by all voice streams. No client timeout: tracks
// stream for as long as they run, and unbind cancels the request context.
var streamClient = &http.Client{}

// voiceStream pumps a DCA-framed audio stream into a voice connection.
// Each frame is a little-endian int16 length prefix followed by one opus
// packet, the format the usual transcode pipeline emits.
type voiceStream struct {
	conn   *discordgo.VoiceConnection
	source platform.StreamSource

	once sync.Once
	stop chan struct{}
	done chan struct{}
}

func newVoiceStream(conn *discordgo.VoiceConnection, source platform.StreamSource) *voiceStream {
	s := &voiceStream{
		conn:   conn,
		source: source,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Done implements platform.StreamHandle.
func (s *voiceStream) Done() <-chan struct{} { return s.done }

// Unbind implements platform.StreamHandle.
func (s *voiceStream) Unbind() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

func (s *voiceStream) run() {
	defer close(s.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.source.URL, nil)
	if err != nil {
		log.Printf("discord: stream request: %v", err)
		return
	}

	resp, err := streamClient.Do(req)
	if err != nil {
		log.Printf("discord: fetch stream: %v", err)
		return
	}
	defer resp.Body.Close()

	if err := s.conn.Speaking(true); err != nil {
		log.Printf("discord: speaking on: %v", err)
		return
	}
	defer func() {
		if err := s.conn.Speaking(false); err != nil {
			log.Printf("discord: speaking off: %v", err)
		}
	}()

	s.pump(bufio.NewReaderSize(resp.Body, 64<<10))
}

// pump reads length-prefixed opus frames until EOF or unbind.
func (s *voiceStream) pump(r io.Reader) {
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		var frameLen int16
		if err := binary.Read(r, binary.LittleEndian, &frameLen); err != nil {
			if err != io.EOF && err != io.ErrUnexpectedEOF {
				log.Printf("discord: read frame header: %v", err)
			}
			return
		}
		if frameLen <= 0 {
			return
		}

		frame := make([]byte, frameLen)
		if _, err := io.ReadFull(r, frame); err != nil {
			if err != io.EOF && err != io.ErrUnexpectedEOF {
				log.Printf("discord: read frame: %v", err)
			}
			return
		}

		select {
		case s.conn.OpusSend <- frame:
		case <-s.stop:
			return
		case <-time.After(5 * time.Second):
			// The send channel stalling this long means the voice
			// connection is gone.
			return
		}
	}
}
