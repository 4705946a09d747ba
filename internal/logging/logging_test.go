package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	h "github.com/helto4real/go-homelab/internal/test"
)

func TestSetup(t *testing.T) {
	defer logrus.SetLevel(logrus.InfoLevel)

	h.Ok(t, Setup("debug", false))
	h.Equals(t, logrus.DebugLevel, logrus.GetLevel())
	_, ok := logrus.StandardLogger().Formatter.(*prefixed.TextFormatter)
	h.Equals(t, true, ok)

	h.Ok(t, Setup("warn", true))
	h.Equals(t, logrus.WarnLevel, logrus.GetLevel())
	_, ok = logrus.StandardLogger().Formatter.(*logrus.JSONFormatter)
	h.Equals(t, true, ok)

	h.Assert(t, Setup("loud", false) != nil, "expected error for unknown level")
}
