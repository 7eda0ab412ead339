// Package routes wires every handler onto the router.
package routes

import (
	"net/http"
	"path/filepath"

	"github.com/julienschmidt/httprouter"

	"haven/admin"
	"haven/auth"
	"haven/billing"
	"haven/donations"
	"haven/events"
	"haven/middleware"
	"haven/ratelim"
	"haven/registrations"
	"haven/tickets"
)

type Deps struct {
	Events        *events.Handler
	Donations     *donations.Handler
	Registrations *registrations.Handler
	Tickets       *tickets.Handler
	Admin         *admin.Handler
	Auth          *auth.Handler
	Billing       *billing.Trigger

	AdminAuth  *middleware.AdminAuth
	Limiter    *ratelim.RateLimiter
	Idempotent func(httprouter.Handle) httprouter.Handle
	LiveFeed   httprouter.Handle
	// SandboxCharge is only set in sandbox deployments.
	SandboxCharge httprouter.Handle
	UploadDir     string
}

func Register(router *httprouter.Router, d Deps) {
	AddPublicRoutes(router, d)
	AddAdminRoutes(router, d)
	AddCronRoutes(router, d)
	AddStaticRoutes(router, d.UploadDir)
	if d.SandboxCharge != nil {
		router.POST("/api/sandbox/charge", d.Limiter.Limit(d.SandboxCharge))
	}
}

func AddStaticRoutes(router *httprouter.Router, uploadDir string) {
	if uploadDir == "" {
		return
	}
	router.ServeFiles("/static/events/*filepath", http.Dir(filepath.Join(uploadDir, "events")))
}

// AddPublicRoutes registers what the website calls. Every POST is rate
// limited; the two paying endpoints are also idempotent.
func AddPublicRoutes(router *httprouter.Router, d Deps) {
	pay := func(h httprouter.Handle) httprouter.Handle {
		return middleware.Chain(h, d.Limiter.Limit, d.Idempotent)
	}

	router.GET("/api/events", d.Events.List)
	router.GET("/api/events/:slug", d.Events.Get)
	router.POST("/api/events/:slug/register", pay(d.Registrations.Register))
	router.POST("/api/donate", pay(d.Donations.Donate))
	router.POST("/api/contact", d.Limiter.Limit(d.Admin.Contact))
	router.GET("/api/registrations/:id/ticket", d.Tickets.Download)
	router.POST("/api/admin/login", d.Limiter.Limit(d.Auth.Login))
}

func AddAdminRoutes(router *httprouter.Router, d Deps) {
	a := d.AdminAuth.Authenticate

	router.GET("/api/admin/events", a(d.Events.ListAll))
	router.POST("/api/admin/events", a(d.Events.Create))
	router.PUT("/api/admin/events/:id", a(d.Events.Update))
	router.DELETE("/api/admin/events/:id", a(d.Events.Delete))
	router.POST("/api/admin/events/:id/image", a(d.Events.UploadImage))
	router.GET("/api/admin/events/:id/sponsorships", a(d.Events.ListSponsorships))
	router.POST("/api/admin/events/:id/sponsorships", a(d.Events.CreateSponsorship))
	router.PUT("/api/admin/events/:id/sponsorships/:sid", a(d.Events.UpdateSponsorship))
	router.DELETE("/api/admin/events/:id/sponsorships/:sid", a(d.Events.DeleteSponsorship))
	router.GET("/api/admin/events/:id/registrations", a(d.Registrations.ListForEvent))

	router.GET("/api/admin/registrations", a(d.Registrations.List))
	router.POST("/api/admin/registrations/:id/check-received", a(d.Registrations.MarkCheckReceived))
	router.POST("/api/admin/tickets/verify", a(d.Tickets.Verify))

	router.GET("/api/admin/donations", a(d.Donations.List))
	router.GET("/api/admin/donations/:id", a(d.Donations.Get))
	router.POST("/api/admin/donations/:id/refund", a(d.Donations.Refund))
	router.PATCH("/api/admin/donations/:id/recurring", a(d.Donations.UpdateRecurring))

	router.GET("/api/admin/people", a(d.Admin.People))
	if d.LiveFeed != nil {
		// Authenticates through ?token= itself.
		router.GET("/api/admin/live", d.LiveFeed)
	}
}

// AddCronRoutes exposes the billing run to an external scheduler, which may
// use either verb.
func AddCronRoutes(router *httprouter.Router, d Deps) {
	router.GET("/api/cron/process-recurring-donations", d.Billing.Handle)
	router.POST("/api/cron/process-recurring-donations", d.Billing.Handle)
}
