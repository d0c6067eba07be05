package tagging

import (
	"errors"
	"fmt"

	"github.com/frobware/go-trafficctl"
	"github.com/frobware/go-trafficctl/interpreter"
)

// DeleteTagData removes the data of uid.
//
// With tag 0 it removes every CookieTag entry of uid, the uid's
// counter set and every UidStats and TagStats bucket of uid. With a
// nonzero tag it removes only the CookieTag entries and TagStats
// buckets carrying both uid and tag.
//
// The maps are swept in the order CookieTag, UidCounterSet, TagStats,
// UidStats. The sweep is not atomic: a socket tagged concurrently may
// survive or not. A failing step does not stop the later ones; all
// failures are returned joined, and calling DeleteTagData again with
// the same arguments finishes the job.
func (e *Engine) DeleteTagData(tag, uid uint32) error {
	logger := e.logger.With("uid", uid, "tag", tag)
	var errs []error

	n, err := deleteMatching(e.maps.CookieTag, func(_ trafficctl.Cookie, v trafficctl.UidTag) bool {
		return v.UID == uid && (tag == 0 || v.Tag == tag)
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", trafficctl.CookieTagMapName, err))
	}
	logger.Debug("swept cookies", "deleted", n)

	if tag == 0 {
		err := e.maps.UidCounterSet.Delete(uid)
		if err != nil && !errors.Is(err, interpreter.ErrNotFound) {
			errs = append(errs, fmt.Errorf("%s: %w", trafficctl.UidCounterSetMapName, err))
		}
	}

	n, err = deleteMatching(e.maps.TagStats, func(k trafficctl.StatsKey, _ trafficctl.Stats) bool {
		return k.UID == uid && (tag == 0 || k.Tag == tag)
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", trafficctl.TagStatsMapName, err))
	}
	logger.Debug("swept tag stats", "deleted", n)

	if tag == 0 {
		n, err = deleteMatching(e.maps.UidStats, func(k trafficctl.StatsKey, _ trafficctl.Stats) bool {
			return k.UID == uid
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", trafficctl.UidStatsMapName, err))
		}
		logger.Debug("swept uid stats", "deleted", n)
	}

	if err := errors.Join(errs...); err != nil {
		logger.Error("delete tag data incomplete", "error", err)
		return err
	}
	return nil
}

// deleteMatching deletes every entry of m for which match is true and
// returns how many it deleted. Keys are collected before any delete
// because deleting the current key restarts a kernel hash map walk.
// Keys that vanish in between are skipped.
func deleteMatching[K comparable, V any](m *interpreter.Map[K, V], match func(K, V) bool) (int, error) {
	var keys []K
	var errs []error
	for entry, err := range m.All() {
		if err != nil {
			errs = append(errs, fmt.Errorf("iterate: %w", err))
			continue
		}
		if match(entry.Key, entry.Value) {
			keys = append(keys, entry.Key)
		}
	}

	deleted := 0
	for _, k := range keys {
		if err := m.Delete(k); err != nil {
			if errors.Is(err, interpreter.ErrNotFound) {
				continue
			}
			errs = append(errs, fmt.Errorf("delete %v: %w", k, err))
			continue
		}
		deleted++
	}
	return deleted, errors.Join(errs...)
}
