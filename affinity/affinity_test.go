//go:build linux
// +build linux

package affinity

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAffinity_PinsThread(t *testing.T) {
	allowed, err := Current()
	require.NoError(t, err)
	require.NotEmpty(t, allowed)
	target := allowed[len(allowed)-1]

	done := make(chan []int, 1)
	go func() {
		// thread is discarded on exit since it stays locked
		runtime.LockOSThread()
		if err := SetAffinity(target); err != nil {
			done <- nil
			return
		}
		cpus, _ := Current()
		done <- cpus
	}()
	assert.Equal(t, []int{target}, <-done)
}

func TestSetAffinity_Negative(t *testing.T) {
	assert.Error(t, SetAffinity(-1))
}
