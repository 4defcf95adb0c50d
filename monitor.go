package netevent

import (
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// RaiseOpenFilesLimit lifts the soft RLIMIT_NOFILE to want, capped by the hard
// limit. It returns the soft limit in effect afterwards.
func RaiseOpenFilesLimit(want uint64) (uint64, error) {
	limit := &unix.Rlimit{}
	err := unix.Getrlimit(unix.RLIMIT_NOFILE, limit)
	if err != nil {
		log.Error().Msgf("error occur while getting OS limit of open files: %+v", err)
		return 0, err
	}
	if want == 0 || limit.Cur >= want {
		return limit.Cur, nil
	}
	if want > limit.Max {
		log.Warn().Msgf("open files limit %d is above the hard limit %d", want, limit.Max)
		want = limit.Max
	}
	err = unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{
		Cur: want,
		Max: limit.Max,
	})
	if err != nil {
		log.Error().Msgf("error occur while setting OS limit of open files: %+v", err)
		return limit.Cur, err
	}
	log.Info().Msgf("open files limit raised from %d to %d", limit.Cur, want)
	return want, nil
}
