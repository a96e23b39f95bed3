package mock

//go:generate mockgen -package reconcile -destination reconcile/reconcile.go github.com/guacscanner/guacscanner/pkg/reconcile Repository
//go:generate mockgen -package connection -destination connection/connection.go github.com/guacscanner/guacscanner/pkg/connection Locker,Lock
//go:generate mockgen -package coordinator -destination coordinator/coordinator.go github.com/guacscanner/guacscanner/pkg/coordinator Source,Reconciler,Recorder
