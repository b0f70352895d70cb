package capture

import (
	"testing"

	"github.com/pion/mediadevices/pkg/prop"
	"github.com/stretchr/testify/assert"
)

func TestClosestProperty(t *testing.T) {
	var props []prop.Media
	for _, s := range [][2]int{{320, 240}, {640, 480}, {1280, 720}} {
		var p prop.Media
		p.Width = s[0]
		p.Height = s[1]
		props = append(props, p)
	}

	assert.Equal(t, 640, closestProperty(props, 640, 480).Width)
	assert.Equal(t, 640, closestProperty(props, 700, 500).Width)
	assert.Equal(t, 1280, closestProperty(props, 1920, 1080).Width)
}
