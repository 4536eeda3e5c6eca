package camera

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectSourceType(t *testing.T) {
	tests := []struct {
		input      string
		wantType   SourceType
		wantSource string
	}{
		{"0", SourceTypeDevice, "/dev/video0"},
		{" 2 ", SourceTypeDevice, "/dev/video2"},
		{"/dev/video1", SourceTypeDevice, "/dev/video1"},
		{"rtsp://10.0.0.2/live", SourceTypeStream, "rtsp://10.0.0.2/live"},
		{"https://example.com/cam.m3u8", SourceTypeStream, "https://example.com/cam.m3u8"},
		{"videos/intersection.mp4", SourceTypeFile, "videos/intersection.mp4"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			gotType, gotSource := DetectSourceType(tt.input)
			assert.Equal(t, tt.wantType, gotType)
			assert.Equal(t, tt.wantSource, gotSource)
		})
	}
}

func TestCapturerFactory_Create(t *testing.T) {
	factory := NewCapturerFactory()

	c, err := factory.Create(SourceConfig{Source: "clip.mp4"})
	require.NoError(t, err)
	assert.False(t, c.Live())

	c, err = factory.Create(SourceConfig{Source: "1", Discovery: NewMockDiscovery(nil)})
	require.NoError(t, err)
	assert.True(t, c.Live())

	_, err = factory.Create(SourceConfig{})
	assert.Error(t, err)

	_, err = factory.Create(SourceConfig{Type: "sat", Source: "x"})
	assert.Error(t, err)
}
