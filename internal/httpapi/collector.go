package httpapi

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsTimeout = 10 * time.Second

// collector reads gauges from the database on every scrape.
type collector struct {
	app *App

	bookings        *prometheus.Desc
	orders          *prometheus.Desc
	activeCompanies *prometheus.Desc
	queueAnomalies  *prometheus.Desc
	orphanBookings  *prometheus.Desc
	subscribers     *prometheus.Desc
}

func newCollector(app *App) *collector {
	return &collector{
		app: app,
		bookings: prometheus.NewDesc(
			"transferhub_bookings",
			"Number of bookings by status",
			[]string{"status"}, nil,
		),
		orders: prometheus.NewDesc(
			"transferhub_service_orders",
			"Number of service orders by status",
			[]string{"status"}, nil,
		),
		activeCompanies: prometheus.NewDesc(
			"transferhub_active_companies",
			"Number of companies in the assignment queue",
			nil, nil,
		),
		queueAnomalies: prometheus.NewDesc(
			"transferhub_queue_anomalies",
			"Queue positions that are missing, non-positive, duplicated, skipped or held by inactive companies",
			nil, nil,
		),
		orphanBookings: prometheus.NewDesc(
			"transferhub_orphan_bookings",
			"Bookings without a service order",
			nil, nil,
		),
		subscribers: prometheus.NewDesc(
			"transferhub_event_subscribers",
			"Open change feed subscriptions",
			nil, nil,
		),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bookings
	ch <- c.orders
	ch <- c.activeCompanies
	ch <- c.queueAnomalies
	ch <- c.orphanBookings
	ch <- c.subscribers
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	if c.app.hub != nil {
		ch <- prometheus.MustNewConstMetric(c.subscribers, prometheus.GaugeValue, float64(c.app.hub.Subscribers()))
	}
	if c.app.db == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), metricsTimeout)
	defer cancel()

	if err := c.collectByStatus(ctx, ch, c.bookings, `SELECT status, COUNT(*) FROM bookings GROUP BY status`); err != nil {
		ch <- prometheus.NewInvalidMetric(c.bookings, err)
	}
	if err := c.collectByStatus(ctx, ch, c.orders, `SELECT status, COUNT(*) FROM service_orders GROUP BY status`); err != nil {
		ch <- prometheus.NewInvalidMetric(c.orders, err)
	}
	if c.app.dispatch == nil {
		return
	}
	d, err := c.app.dispatch.Diagnose(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.queueAnomalies, err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.activeCompanies, prometheus.GaugeValue, float64(d.ActiveCompanies))
	ch <- prometheus.MustNewConstMetric(c.queueAnomalies, prometheus.GaugeValue, float64(d.Anomalies()))
	ch <- prometheus.MustNewConstMetric(c.orphanBookings, prometheus.GaugeValue, float64(d.OrphanBookings))
}

func (c *collector) collectByStatus(ctx context.Context, ch chan<- prometheus.Metric, desc *prometheus.Desc, query string) error {
	rows, err := c.app.db.Query(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return err
		}
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(n), status)
	}
	return rows.Err()
}
