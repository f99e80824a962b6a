/*
Package alert fans alerts out to the configured channels.

The dispatcher sends every alert to every notifier and logs failures
without letting one channel's outage suppress the rest. Channels:
generic webhook, Slack (slack-go webhook messages with severity
colors), PagerDuty (Events API v2, CRITICAL only), and the operational
event stream. External channels are wrapped in circuit breakers so a
dead endpoint degrades to fast failures.

BindThresholds subscribes the dispatcher to metric threshold breaches,
turning declared thresholds into alerts automatically.
*/
package alert
