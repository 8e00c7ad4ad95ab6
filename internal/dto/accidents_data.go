// AccidentsData is a paginated response payload for the accident list.
package dto

type AccidentsData struct {
	Accidents   []AccidentInfo `json:"accidents"`
	Length      int            `json:"length"`
	TotalPages  int            `json:"totalPages"`
	CurrentPage int            `json:"currentPage"`
	Limit       int            `json:"pageSize"`
}
