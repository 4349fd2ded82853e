package config

type WorkerKeyStruct struct {
	PersistAnswersQueue   string
	PersistIntegrityQueue string
	PersistAttemptsQueue  string
}

var WorkerKey = &WorkerKeyStruct{
	PersistAnswersQueue:   "persist_answers_queue",
	PersistIntegrityQueue: "persist_integrity_queue",
	PersistAttemptsQueue:  "persist_attempts_queue",
}
