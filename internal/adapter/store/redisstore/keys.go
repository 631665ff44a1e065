package redisstore

// Logical key layout. Single-instance Redis; scripts derive job keys from ids
// held in the indexes, so the whole keyspace must live on one node.
const (
	keyPending      = "jobs:pending"  // sorted set, score = priority-age composite
	keyActive       = "jobs:active"   // set of leased job ids
	keyTerminal     = "jobs:terminal" // set of terminal job ids
	keyWorkers      = "workers:index" // set of registered worker ids
	keyWebhookIndex = "webhooks:index"
	keyEventStream  = "events:log" // shared stream, records keyed by type
	chanEvents      = "events:live"

	jobKeyPrefix      = "job:"
	workflowKeyPrefix = "workflow:"
	workerKeyPrefix   = "worker:"
	webhookKeyPrefix  = "webhook:"
	idemKeyPrefix     = "idempotency:"
	failRingSuffix    = ":failures"
	cancelSetSuffix   = ":cancel"
	activeSetSuffix   = ":jobs"
)

func jobKey(id string) string      { return jobKeyPrefix + id }
func workflowKey(id string) string { return workflowKeyPrefix + id }
func workerKey(id string) string   { return workerKeyPrefix + id }
func webhookKey(id string) string  { return webhookKeyPrefix + id }
func idemKey(hash string) string   { return idemKeyPrefix + hash }

// Per-worker auxiliary keys.
func workerFailuresKey(id string) string { return workerKeyPrefix + id + failRingSuffix }
func workerCancelKey(id string) string   { return workerKeyPrefix + id + cancelSetSuffix }
func workerJobsKey(id string) string     { return workerKeyPrefix + id + activeSetSuffix }

// priorityUnit spaces priority bands far enough apart that the age component
// (epoch milliseconds, ~1.8e12) can never cross into the next band. Aging
// boosts add whole units so a boosted job competes with genuinely
// higher-priority work.
const priorityUnit = float64(1e15)

// pendingScore computes the composite score: higher priority first, then FIFO
// by submission time within a band. Retry backoff subtracts milliseconds so a
// requeued job sorts behind fresher submissions of the same priority.
func pendingScore(priority, boost int, submittedAtMillis, backoffMillis int64) float64 {
	return float64(priority+boost)*priorityUnit - float64(submittedAtMillis) - float64(backoffMillis)
}
