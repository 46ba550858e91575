package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_BuildsBothModes(t *testing.T) {
	for _, development := range []bool{true, false} {
		logger, err := New(development)
		require.NoError(t, err)
		require.NotNil(t, logger)
		logger.Debug("smoke line")
	}
}
