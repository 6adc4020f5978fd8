// Package plans defines the subscription plan tiers and their static limits.
//
// # Overview
//
// Every workspace is on exactly one plan. The plan decides how many locations and
// seats a workspace may create, how many AI generations it may run per calendar
// month, and which features are unlocked.
//
// # Plan Tiers
//
// FREE:
//   - 1 workspace, 1 location, 1 seat
//   - 50 AI generations per month
//
// PRO:
//   - 1 workspace, 5 locations, 5 seats
//   - 1000 AI generations per month
//   - AI replies, PDF export, CSV import
//
// AGENCY:
//   - 10 workspaces, 50 locations, 25 seats
//   - 10000 AI generations per month
//   - everything in PRO plus white label and priority support
//
// # Price Catalog
//
// Payment providers identify plans by their own price or plan ids. A Catalog maps
// those ids back to a tier. Unknown ids resolve to FREE so that a misconfigured
// price can never grant a paid tier.
//
//	catalog, err := plans.LoadCatalog("/etc/tollgate/prices.yaml")
//	tier := catalog.Resolve(plans.SourceStripe, "price_123")
//
// The catalog file format:
//
//	stripe:
//	  price_pro_monthly: PRO
//	  price_agency_monthly: AGENCY
//	paypal:
//	  P-PRO123: PRO
package plans
