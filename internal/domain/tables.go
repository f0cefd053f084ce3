package domain

var Tables = []interface{}{
	// System
	&SysConfig{},
	&SysOprLog{},
	&WaScheduler{},
	// Sessions
	&WaSession{},
	&WaDevice{},
	// Queue
	&WaQueueItem{},
	&WaStatusEvent{},
}
