package constant

const (
	DevelopmentEnvironment = "development"
	ProductionEnvironment  = "production"

	MonitorStreamName       = "execution"
	MonitorStreamSubjectAll = "execution.*"

	MonitorSubjectConnection    = "execution.connection"
	MonitorSubjectOrderRejected = "execution.order_rejected"
	MonitorSubjectAnomaly       = "execution.anomaly"
	MonitorSubjectReconcile     = "execution.reconcile"
)
