// Package bootstrap wires the service together: logger, configuration, data
// directories, SQLite stores, the optional Redis backend of the rate limiter, the
// initial ATT&CK import and the first-run admin account.
//
// Usage:
//
//	app, err := bootstrap.NewApp(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer app.Shutdown()
//
//	if err := app.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Wait for shutdown signal
//	_ = app.WaitForShutdown(ctx)
package bootstrap
