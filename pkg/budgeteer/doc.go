// Package budgeteer throttles repeated execution of the same logical job
// (retried webhook deliveries, scheduled tasks) with a persistent per-key
// token budget that survives restarts and is shared by cooperating processes.
//
// The primary entry point is the Budgeteer:
//
//	b, _ := budgeteer.New(store)
//	dec, err := b.Check(ctx, "webhook:42", policy)
//
// # Overview
//
// Every key has a token balance:
//
//   - The balance recharges linearly over wall-clock time at TokensPerDay,
//     measured from the last reported success. A single recharge never adds
//     more than MaxBalance, however long the key was idle.
//   - Each successful run deducts its cost (ReportSuccess).
//   - Each scheduled retry deducts its cost without recharge; while the balance
//     stays negative the debit doubles on every retry, bounded by
//     MaxDelayDays worth of tokens (ReportScheduled).
//
// A key that was never reported starts with MaxBalance tokens. Nothing is
// written for it until the first report.
//
// # Decisions
//
// Check and CheckEvent never write. The returned Decision is one of:
//
//   - IsDuplicate: the event is older than the last success, or the balance
//     is negative and a retry is already scheduled for the key.
//   - Delay > 0: the balance would be negative; Delay is how long recharge
//     alone needs to bring it back to zero.
//   - neither: run the job now.
//
// # Core Types
//
// Policy is supplied with every call and never persisted:
//
//   - TokensPerDay: recharge rate (> 0)
//   - MaxBalance: balance cap and starting balance (>= 0)
//   - MaxDelayDays: backoff cap (0 means 7)
//
// The zero Policy is invalid; every operation returns ErrInvalidPolicy before
// touching the store.
//
// State is the persisted record: LastSuccess (epoch millis), IsScheduled and
// TokenBalance. It is stored as JSON with the fields "last_success",
// "is_scheduled" and "token_balance" (see EncodeState and DecodeState).
//
// # Backends
//
// Any Store works. This module ships:
//
//   - MemoryStore: a mutex-guarded map, for tests and single processes.
//   - RedisStore: go-redis based, with key prefix (default "budgeteer:"),
//     per-write TTL (default 7 days) and per-call timeout (default 5s).
//   - sqlite.Store and postgres.Store in the subpackages of the same names.
//   - BreakerStore: wraps another Store in a circuit breaker so an unreachable
//     backend is not hammered.
//
// # Error Policy
//
// Rate limiting here is best effort and must not block the jobs it throttles.
// When the store fails (ErrStoreUnavailable) the Budgeteer logs a warning,
// counts "budgeteer.store_error", and continues as if the key were absent: a
// Check answers from a fresh budget, and a report returns nil without saving.
// Records that cannot be decoded (ErrCorruptState) are replaced with fresh
// state the same way. If the caller's context is already done, its error is
// returned instead.
//
// # Concurrency
//
// A Budgeteer is safe for concurrent use. Each operation is a single read, a
// pure computation and at most one write; two reports racing on the same key
// are last-write-wins. That is accepted: the budget is an approximate throttle,
// not a ledger.
//
// # Configuration
//
// Budgeteer and RedisStore use functional options:
//
//	store, _ := budgeteer.NewRedisStore(client,
//		budgeteer.WithPrefix("jobs:"),
//		budgeteer.WithTTL(72*time.Hour),
//	)
//	b, _ := budgeteer.New(store,
//		budgeteer.WithLogger(logger),
//		budgeteer.WithRecorder(recorder),
//	)
package budgeteer
