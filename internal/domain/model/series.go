package model

// Series — серия, материализуется при первом принятом Instance.
// InstanceCount — монотонно возрастающий счётчик, никогда не уменьшается
// операциями приёма (удаление — отдельная, явная операция вне core).
type Series struct {
	SeriesUID     string
	StudyUID      string
	Modality      string
	InstanceCount int64
}
