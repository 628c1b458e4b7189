package log

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, logrus.DebugLevel, ParseLevel("DEBUG"))
	require.Equal(t, logrus.WarnLevel, ParseLevel("warning"))
	require.Equal(t, logrus.ErrorLevel, ParseLevel(" error "))
	require.Equal(t, logrus.InfoLevel, ParseLevel(""))
	require.Equal(t, logrus.InfoLevel, ParseLevel("loud"))
	require.Equal(t, logrus.TraceLevel, ParseLevel("trace"))
}
