package envelope

// Stage identifies a pipeline processing stage.
type Stage string

// Pipeline stages.
const (
	StageParsed          Stage = "parsed"
	StageExtracted       Stage = "extracted"
	StageIndexed         Stage = "indexed"
	StageCrawlerFetched  Stage = "crawler-fetched"
	StageCrawlerActivity Stage = "crawler-activity"
)

// Bus subjects. These are fixed wire contracts shared with the upload,
// parser, extractor, vector, and crawler services.
const (
	SubjectFileUploaded    = "notevault.file.uploaded.v1"
	SubjectFileParsed      = "insight.file.parsed.v1"
	SubjectFileExtracted   = "insight.file.extracted.v1"
	SubjectFileIndexed     = "insight.file.indexed.v1"
	SubjectCrawlerFetched  = "insight.crawler.page.fetched.v1"
	SubjectCrawlerActivity = "insight.crawler.user.activity.v1"
)

// DLQSuffix is appended to a subject to form its dead-letter subject.
const DLQSuffix = ".dlq"

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageParsed, StageExtracted, StageIndexed, StageCrawlerFetched, StageCrawlerActivity:
		return true
	}
	return false
}

// InputSubject returns the bus subject a stage's consumer subscribes to.
func (s Stage) InputSubject() string {
	switch s {
	case StageParsed:
		return SubjectFileUploaded
	case StageExtracted:
		return SubjectFileParsed
	case StageIndexed:
		return SubjectFileExtracted
	case StageCrawlerFetched:
		return SubjectCrawlerFetched
	case StageCrawlerActivity:
		return SubjectCrawlerActivity
	}
	return ""
}

// OutputSubject returns the subject a stage publishes completions to.
// Terminal stages return the empty string.
func (s Stage) OutputSubject() string {
	switch s {
	case StageParsed:
		return SubjectFileParsed
	case StageExtracted:
		return SubjectFileExtracted
	case StageIndexed:
		return SubjectFileIndexed
	case StageCrawlerFetched:
		// Crawled pages re-enter the document flow as parsed content
		return SubjectFileParsed
	case StageCrawlerActivity:
		return ""
	}
	return ""
}

// NextStage returns the stage that consumes this stage's output.
// Terminal stages return the empty stage.
func (s Stage) NextStage() Stage {
	switch s {
	case StageParsed, StageCrawlerFetched:
		return StageExtracted
	case StageExtracted:
		return StageIndexed
	}
	return ""
}

// DLQSubject returns the dead-letter subject for the stage's input.
func (s Stage) DLQSubject() string {
	return s.InputSubject() + DLQSuffix
}

// Stages returns all pipeline stages.
func Stages() []Stage {
	return []Stage{
		StageParsed,
		StageExtracted,
		StageIndexed,
		StageCrawlerFetched,
		StageCrawlerActivity,
	}
}
