package codecpref

import (
	"strings"
	"testing"

	"github.com/pion/sdp/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const offer = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111 0 8 101\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n" +
	"a=rtpmap:101 telephone-event/8000\r\n"

func audioLine(t *testing.T, s string) string {
	t.Helper()
	for _, l := range strings.Split(s, "\n") {
		if strings.HasPrefix(l, "m=audio") {
			return strings.TrimSuffix(l, "\r")
		}
	}
	t.Fatal("no audio line")
	return ""
}

func TestNormalizeMovesLegacyCodecsFirst(t *testing.T) {
	out := Normalize(offer)
	assert.Equal(t, "m=audio 9 UDP/TLS/RTP/SAVPF 0 8 111 101", audioLine(t, out))

	// остальные строки не тронуты
	assert.Equal(t, strings.Replace(offer, "111 0 8 101", "0 8 111 101", 1), out)
}

func TestNormalizeFormats(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"already ordered", "0 8 111", "0 8 111"},
		{"pcma only", "111 8 101", "8 111 101"},
		{"pcmu only", "111 101 0", "0 111 101"},
		{"reversed", "8 0", "0 8"},
		{"none", "111 101", "111 101"},
		{"single", "9", "9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Normalize("m=audio 5004 RTP/AVP " + tt.in + "\n")
			assert.Equal(t, "m=audio 5004 RTP/AVP "+tt.want+"\n", out)
		})
	}
}

func TestNormalizePreservesTokenMultiset(t *testing.T) {
	in := []string{"96", "8", "97", "0", "13", "101"}
	out := ReorderFormats(in)
	assert.Equal(t, []string{"0", "8", "96", "97", "13", "101"}, out)
	assert.ElementsMatch(t, in, out)
	// исходный срез не меняется
	assert.Equal(t, []string{"96", "8", "97", "0", "13", "101"}, in)
}

func TestNormalizeWithoutAudioReturnsInput(t *testing.T) {
	video := "v=0\r\nm=video 9 UDP/TLS/RTP/SAVPF 96 97\r\n"
	assert.Equal(t, video, Normalize(video))
	assert.Equal(t, "", Normalize(""))
	assert.Equal(t, "m=audio 9\n", Normalize("m=audio 9\n"))
}

func TestNormalizeOnlyFirstAudioLine(t *testing.T) {
	in := "m=audio 1 RTP/AVP 111 0\nm=audio 2 RTP/AVP 111 8\n"
	assert.Equal(t, "m=audio 1 RTP/AVP 0 111\nm=audio 2 RTP/AVP 111 8\n", Normalize(in))
}

func TestNormalizeDescription(t *testing.T) {
	var desc sdp.SessionDescription
	require.NoError(t, desc.Unmarshal([]byte(offer)))

	require.True(t, NormalizeDescription(&desc))
	assert.Equal(t, []string{"0", "8", "111", "101"}, desc.MediaDescriptions[0].MediaName.Formats)

	assert.False(t, NormalizeDescription(nil))
}

func TestNormalizeBytes(t *testing.T) {
	out := NormalizeBytes([]byte(offer))
	assert.Equal(t, "m=audio 9 UDP/TLS/RTP/SAVPF 0 8 111 101", audioLine(t, string(out)))

	garbage := []byte("m=audio 9 RTP/AVP 8 0\n")
	assert.Equal(t, "m=audio 9 RTP/AVP 0 8\n", string(NormalizeBytes(garbage)))
}
