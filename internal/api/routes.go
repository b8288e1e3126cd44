package api

import "github.com/go-chi/chi/v5"

// Register mounts the API under /api/v1.
func (s *Service) Register(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for price updates and liquidations.
		if s.wsHub != nil {
			r.Get("/ws", s.wsHub.HandleWS)
		}

		// Scanning and liquidation.
		r.Get("/liquidatable", s.ListLiquidatable)
		r.Post("/liquidations", s.Liquidate)
		r.Get("/liquidations", s.ListLiquidations)
		r.Post("/closeouts", s.SubmitCloseout)

		// Portfolio queries.
		r.Get("/portfolios/{address}", s.GetPortfolio)

		// Oracle maintenance.
		r.Post("/oracles", s.InitializeOracle)
		r.Post("/oracles/{instrument}/price", s.UpdatePrice)
		r.Get("/oracles/{instrument}/price", s.GetPrice)
	})
}
