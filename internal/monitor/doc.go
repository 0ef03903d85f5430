// Package monitor watches the storage sites from the outside and keeps a
// client-side designation of which site is active.
//
// # Health States
//
// HealthMonitor polls every site's health endpoint on a fixed interval and
// tracks a small state machine per site:
//
//	UNKNOWN --ok--> OK
//	UNKNOWN --fail--> FAILING
//	OK <--ok/fail--> FAILING
//
// A site is OK only when it answers in time with status OK and an available
// store. Anything else, including a slow reply, counts as FAILING.
//
// # Failover
//
// Controller evaluates the monitor's view on its own timer and moves the
// active designation between the primary and the secondary site. The
// designation is advisory: operation handlers keep their own A-then-B order
// and never consult it.
//
// Neither type shares locks with a storage manager; all information comes
// over HTTP like any other client.
//
// # Usage Example
//
//	hm := monitor.NewHealthMonitor(sites, time.Second, 2*time.Second)
//	ctrl, err := monitor.NewController(hm, "site1", "site2", time.Second)
//	if err != nil {
//	    return err
//	}
//	go ctrl.Run(ctx)
//	return hm.Start(ctx)
package monitor
