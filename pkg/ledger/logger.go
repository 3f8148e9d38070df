package ledger

import (
	"strings"

	"github.com/apex/log"
	"github.com/dgraph-io/badger/v4"
)

// logger routes badger's messages to an apex/log logger. Badger's info
// output is demoted to debug.
type logger struct {
	l log.Interface
}

// NewLogger returns a badger.Logger that writes to l with the field
// component=ledger.
func NewLogger(l log.Interface) badger.Logger {
	return &logger{l: l.WithField("component", "ledger")}
}

func (g *logger) Errorf(format string, args ...interface{}) {
	g.l.Errorf(trim(format), args...)
}

func (g *logger) Warningf(format string, args ...interface{}) {
	g.l.Warnf(trim(format), args...)
}

func (g *logger) Infof(format string, args ...interface{}) {
	g.l.Debugf(trim(format), args...)
}

func (g *logger) Debugf(format string, args ...interface{}) {
	g.l.Debugf(trim(format), args...)
}

// trim drops the trailing newline badger puts on most messages.
func trim(format string) string {
	return strings.TrimRight(format, "\n")
}
