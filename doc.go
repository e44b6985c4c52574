// Package paygate provides an intercepting HTTPS proxy that holds payment
// requests until a human approves or denies them.
//
// # Architecture
//
// The proxy terminates client TLS with certificates minted by a local CA,
// then runs every decrypted request through a [Gate]:
//
//  1. A [Classifier] decides whether the request looks like a payment.
//     Anything else is forwarded untouched.
//  2. A [DecisionCache] answers repeat requests to the same host and path
//     for a short TTL.
//  3. Otherwise an [Approver] (normally an [ApprovalClient]) submits the
//     request to the approval authority and blocks until a reviewer
//     decides or the timeout elapses. Timeouts and an unreachable
//     authority deny.
//
// The [Authority] and [AuthorityServer] implement the approval service:
// an in-memory store of pending requests with a JSON API for intake,
// review, decisions and long polling, and a websocket event feed.
//
// # Proxy
//
//	cm, err := paygate.NewCertManager("ca.crt", "ca.key")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	client := paygate.NewApprovalClient(paygate.DefaultClientConfig())
//	classifier := paygate.NewKeywordClassifier(paygate.DefaultClassifierConfig())
//
//	proxy := paygate.NewProxy(":8080", cm)
//	proxy.Gate = paygate.NewGate(classifier, client)
//	log.Fatal(proxy.ListenAndServe())
//
// # Classification
//
// [KeywordClassifier] flags a request when its URL contains a payment
// domain or its body or headers contain a payment keyword. Rules can be
// read from a YAML file and swapped at runtime with
// [ReloadableClassifier], typically on SIGHUP via [WatchSIGHUP].
// [ModelClassifier] consults a [Scorer] first and falls back to the rule
// classifier when the model abstains or fails.
//
// # Decision Cache
//
// [MemoryCache] is process local. [RedisCache] shares verdicts between
// proxy instances, and [SQLCache] persists them in SQLite or PostgreSQL.
// Only verdicts from the authority are cached.
//
// # Approval Authority
//
//	a := paygate.NewAuthority()
//	stop := a.StartJanitor(time.Minute)
//	defer stop()
//
//	srv := paygate.NewAuthorityServer(a)
//	srv.APIKeys = []string{"secret"}
//	log.Fatal(http.ListenAndServe(":5000", srv.Handler()))
//
// The first decision for a request wins; repeats are accepted and
// reported with the stored verdict.
//
// # Configuration
//
// [LoadConfig] reads paygate.yaml with PAYGATE_ environment overrides.
// [Config.BuildDecisionCache] opens the configured cache backend.
//
// # Observability
//
// [Metrics] and [AuthorityMetrics] expose Prometheus collectors on
// private registries. [AccessLogger] writes one structured record per
// request and per resolved payment flow. [InitTracing] exports gate spans
// through OpenTelemetry.
package paygate
