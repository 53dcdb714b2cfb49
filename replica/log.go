package replica

// Logging convention in the `replica` package, using glog:
// Info:
//     abnormal events that were handled. This level should be silent on normal operation,
//     with the exception of one time initialization data.
//     this includes:
//     - clients dropped as stale because the event log was released past their cursor
//     - lock leases and sessions that expired without an explicit release
//     - transport errors
// Warning:
//     unexpected panics in subscriber callbacks, recovered with `HandleError`
// V(1):
//     lifecycle events: attach, detach, log floor changes
// V(2):
//     per change and per request trace. These are frequent.
//
// Each line starts with a bracketed tag for the component:
//     [cs] collection server
//     [sh] session handler
//     [ol] observable list
//     [cc] client collection
//     [jt] json transceiver
//     [bt] binary transceiver
//     [ws] websocket transfer
//     [el] event log
