package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRelayURL(t *testing.T) {
	r := Relay{Instance: "collabsync-desk", Host: "192.168.1.40", Port: 8081}
	assert.Equal(t, "ws://192.168.1.40:8081", r.URL())
}
