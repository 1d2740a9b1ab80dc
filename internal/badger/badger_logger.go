package badger

import "github.com/rs/zerolog/log"

// Wrap our zerolog with the Logger interface badger has exposed.
// Badger is chatty at info level so everything below a warning is logged at
// debug.

type badgerLogger struct{}

func (b badgerLogger) Errorf(fmt string, v ...interface{}) {
	log.Error().Str("component", "badger").Msgf(fmt, v...)
}

func (b badgerLogger) Warningf(fmt string, v ...interface{}) {
	log.Warn().Str("component", "badger").Msgf(fmt, v...)
}

func (b badgerLogger) Infof(fmt string, v ...interface{}) {
	log.Debug().Str("component", "badger").Msgf(fmt, v...)
}

func (b badgerLogger) Debugf(fmt string, v ...interface{}) {
	log.Debug().Str("component", "badger").Msgf(fmt, v...)
}
