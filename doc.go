// Package adproxy provides a forward HTTP proxy that blocks advertising and
// tracking requests using Adblock-style filter lists.
//
// # Architecture
//
// Filter lists are plain text, one entry per line. Each line is compiled
// into a regular expression fragment (see [CompilePattern]) and classified
// as a blacklist entry, a whitelist entry ("@@" prefix), a header spoofing
// directive ("!ref|trigger|value") or an ignored line (comments, "[...]"
// headers and element-hiding rules). [Aggregate] merges every source into
// an immutable [RuleSet].
//
// For each request the proxy takes one snapshot of the active RuleSet and
// asks [Decide] for a [Verdict]:
//
//   - a method other than GET, POST, HEAD, PUT or DELETE is answered 501
//   - a URL on the blacklist but not on the whitelist is answered 403
//   - everything else is relayed upstream, with spoofed headers applied
//
// Rejections carry no body and never open an upstream connection. Relayed
// responses are streamed to the client chunk by chunk.
//
// # Basic Proxy
//
// Load the filter lists into a store and serve:
//
//	store := adproxy.NewRuleStore(nil)
//	reloader := adproxy.NewReloader(store, adproxy.NewListLoader([]string{"easylist.txt"}))
//	if err := reloader.Reload(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	proxy := adproxy.NewProxy(":8989", store)
//	proxy.AccessLog = adproxy.NewAccessLogger(os.Stdout)
//	log.Fatal(proxy.ListenAndServe())
//
// # Reloading
//
// A [Reloader] rebuilds the RuleSet from its lists and swaps it in
// atomically. Requests already in flight keep the RuleSet they started
// with. A failed reload leaves the previous RuleSet active.
//
//	watcher := reloader.WatchSignals(ctx) // SIGUSR1, SIGHUP
//	defer watcher.Cancel()
//
//	cancel := reloader.StartAutoReload(ctx, 10*time.Minute)
//	defer cancel()
//
// # Access Log
//
// Every decision produces one line:
//
//	127.0.0.1 403 GET http://doubleclick.net/ad.js => Blacklisted
//	127.0.0.1 302 GET http://example.com/ => http://www.example.com/
//
// [NewJSONAccessLogger] writes the same fields as structured slog records.
//
// # Observability
//
// Prometheus metrics, health checks and an admin API are served on the
// proxy port for origin-form requests:
//
//	proxy.Metrics = adproxy.NewMetrics()                // GET /metrics
//	proxy.HealthChecker = adproxy.NewHealthChecker(store) // GET /healthz, /readyz
//	proxy.Admin = adproxy.NewAdminAPI(proxy, reloader)  // /api/...
package adproxy
