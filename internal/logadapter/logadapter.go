// Package logadapter wires up logrus as the backing logger for dlog, the
// context-scoped logging facade every package in this module uses.
package logadapter

import (
	"context"

	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
)

// New parses levelName (a logrus level name such as "debug" or "info"),
// configures a logrus.Logger with a plain text formatter, and returns a
// context carrying it as the dlog backend.
func New(ctx context.Context, levelName string) (context.Context, error) {
	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		return ctx, err
	}
	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return dlog.WithLogger(ctx, dlog.WrapLogrus(l)), nil
}
