// Package categories holds the fixed vocabularies shared by segmentation,
// the policy and the episode controller: the detector (COCO subset)
// categories, the policy's goal categories, the tables that map between
// them, and the overlay palette.
package categories

import (
	"image/color"
	"sort"

	"github.com/banshee-data/scout/internal/faults"
)

// Detector category indices. Only the first six can be navigation goals.
const (
	Chair = iota
	Couch
	PottedPlant
	Bed
	Toilet
	TV
	DiningTable
	Oven
	Sink
	Refrigerator
	Book
	Clock
	Vase
	Cup
	Bottle
	NoCategory
)

// Void marks pixels with no category in the policy's space: background
// from one-indexed encoders and detector classes that are not goals.
const Void = -1

// MaxGoalCategory is the upper bound of the objectgoal observation the
// policy was trained with.
const MaxGoalCategory = 20

// DetectorCategories maps detector labels to detector category indices.
var DetectorCategories = map[string]int{
	"chair":        Chair,
	"couch":        Couch,
	"potted plant": PottedPlant,
	"bed":          Bed,
	"toilet":       Toilet,
	"tv":           TV,
	"dining-table": DiningTable,
	"oven":         Oven,
	"sink":         Sink,
	"refrigerator": Refrigerator,
	"book":         Book,
	"clock":        Clock,
	"vase":         Vase,
	"cup":          Cup,
	"bottle":       Bottle,
	"no-category":  NoCategory,
}

// DetectorToPolicy maps detector category indices to the policy's goal
// category space. Detector categories that are not goals have no entry.
var DetectorToPolicy = map[int]int{
	Chair:       0,
	Bed:         1,
	PottedPlant: 2,
	Toilet:      3,
	TV:          4,
	Couch:       5,
}

// PolicyToDetector is the inverse of DetectorToPolicy, used to colour
// policy-space maps with the detector palette.
var PolicyToDetector = map[int]int{
	0: Chair,
	1: Bed,
	2: PottedPlant,
	3: Toilet,
	4: TV,
	5: Couch,
}

// Empty is the palette colour that marks "no overlay" when compositing.
var Empty = color.RGBA{R: 255, G: 255, B: 255, A: 255}

// Palette is indexed by detector category.
var Palette = [NoCategory + 1]color.RGBA{
	Chair:        {R: 230, G: 25, B: 75, A: 255},
	Couch:        {R: 60, G: 180, B: 75, A: 255},
	PottedPlant:  {R: 255, G: 225, B: 25, A: 255},
	Bed:          {R: 0, G: 130, B: 200, A: 255},
	Toilet:       {R: 245, G: 130, B: 48, A: 255},
	TV:           {R: 145, G: 30, B: 180, A: 255},
	DiningTable:  {R: 70, G: 240, B: 240, A: 255},
	Oven:         {R: 240, G: 50, B: 230, A: 255},
	Sink:         {R: 210, G: 245, B: 60, A: 255},
	Refrigerator: {R: 250, G: 190, B: 212, A: 255},
	Book:         {R: 0, G: 128, B: 128, A: 255},
	Clock:        {R: 220, G: 190, B: 255, A: 255},
	Vase:         {R: 170, G: 110, B: 40, A: 255},
	Cup:          {R: 128, G: 0, B: 0, A: 255},
	Bottle:       {R: 128, G: 128, B: 0, A: 255},
	NoCategory:   Empty,
}

// goalLabels lists the labels accepted as navigation goals.
var goalLabels = []string{"chair", "couch", "potted plant", "bed", "toilet", "tv"}

// ResolveGoal returns the policy goal category for a human-readable label.
// Labels outside the goal vocabulary are configuration errors.
func ResolveGoal(label string) (int, error) {
	det, ok := DetectorCategories[label]
	if !ok {
		return 0, faults.Configf("goal", "unknown goal %q, must be one of %v", label, GoalLabels())
	}
	goal, ok := DetectorToPolicy[det]
	if !ok {
		return 0, faults.Configf("goal", "%q is not a navigation goal, must be one of %v", label, GoalLabels())
	}
	return goal, nil
}

// GoalLabels returns the accepted goal labels in sorted order.
func GoalLabels() []string {
	out := append([]string(nil), goalLabels...)
	sort.Strings(out)
	return out
}

// GoalLabel returns the label for a policy goal category, or "" if the
// category is not a goal.
func GoalLabel(goal int) string {
	det, ok := PolicyToDetector[goal]
	if !ok {
		return ""
	}
	for label, idx := range DetectorCategories {
		if idx == det {
			return label
		}
	}
	return ""
}

// PolicyColor returns the overlay colour for a policy-space category.
// Categories without a detector counterpart map to Empty.
func PolicyColor(category int) color.RGBA {
	det, ok := PolicyToDetector[category]
	if !ok {
		det = NoCategory
	}
	return Palette[det]
}

// DetectorColor returns the overlay colour for a detector category.
func DetectorColor(category int) color.RGBA {
	if category < 0 || category >= len(Palette) {
		return Empty
	}
	return Palette[category]
}
