package playlist

import (
	"fmt"
	"strings"

	"github.com/grafov/m3u8"
)

// Info summarises a decoded playlist
type Info struct {
	Type     string `json:"type"` // master or media
	Variants int    `json:"variants,omitempty"`
	Segments int    `json:"segments,omitempty"`
	Live     bool   `json:"live"`
}

// Inspect decodes a playlist leniently and reports what it contains
func Inspect(text string) (Info, error) {
	p, listType, err := m3u8.DecodeFrom(strings.NewReader(strings.TrimPrefix(text, byteOrderMark)), false)
	if err != nil {
		return Info{}, fmt.Errorf("failed to decode playlist: %w", err)
	}

	switch listType {
	case m3u8.MASTER:
		master := p.(*m3u8.MasterPlaylist)
		return Info{Type: "master", Variants: len(master.Variants)}, nil
	case m3u8.MEDIA:
		media := p.(*m3u8.MediaPlaylist)
		return Info{Type: "media", Segments: int(media.Count()), Live: !media.Closed}, nil
	}
	return Info{}, fmt.Errorf("unknown playlist type")
}
