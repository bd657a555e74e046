// Package ratelimit implements the adaptive rate controller that decides how
// long the request executor must sleep before each request.
//
// Requests are tracked per query category within a trailing sliding window
// (some endpoints are throttled more aggressively than others and carry a
// higher cost weight). When the weighted count crosses the category's
// budget, the computed sleep is the time until enough old requests age out
// of the window, so it grows with the overage instead of being a fixed
// constant.
//
// Explicit "too many requests" signals raise a per-category penalty
// multiplier that shrinks the effective budget; the penalty decays with
// clean behavior. An advisory warning is logged once 80% of the budget is
// consumed, before any explicit denial.
//
// The controller is per-process and in-memory only: it assumes it is the
// sole consumer of the remote service's quota for the lifetime of the
// process. All methods are safe for concurrent use.
package ratelimit
