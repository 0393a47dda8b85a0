// Copyright (c) 2026.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Package ratelimit provides a fixed window rate limiter.
//
// # Algorithm
//
// Every key owns a counter and a reset time. The first request of a
// key opens a window of Rate.Window and counts as one. Following
// requests are allowed while the counter is below Rate.Limit. Once the
// limit is reached requests are rejected, and the window is left
// untouched, until the reset time passes; the next request then opens
// a fresh window.
//
// # Stores
//
// Windows live in a Store:
//
//   - MemoryStore keeps them in process memory. It is the default.
//   - RedisStore shares them between processes with an atomic Lua
//     script; Redis expires windows through key TTLs.
//   - PGStore keeps them in an UNLOGGED PostgreSQL table created by
//     the migrations PGMigrations returns.
//
// # Usage
//
//	limiter := ratelimit.NewLimiter(
//	    ratelimit.WithLogger(logger),
//	    ratelimit.WithRegisterer(registry),
//	)
//	limiter.StartCleanup(ctx)
//
//	res, err := limiter.Check(ctx, "ip:203.0.113.7", ratelimit.Rate{
//	    Limit:  100,
//	    Window: time.Minute,
//	})
//	if err != nil {
//	    return err
//	}
//
//	if !res.Allowed {
//	    // reject until res.ResetAt
//	}
//
// # Identifiers
//
// Identifier derives the key of an HTTP request: "user:<id>" when a
// user id is known, otherwise "ip:<address>" where the address comes
// from ClientIP. Key scopes an identifier to a route.
package ratelimit
