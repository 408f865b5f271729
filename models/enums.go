package models

// MileageSource identifies the subsystem that observed an odometer reading.
type MileageSource string

const (
	MileageSourceJourney     MileageSource = "JOURNEY"
	MileageSourceFuelUp      MileageSource = "FUEL_UP"
	MileageSourceMaintenance MileageSource = "MAINTENANCE"
	MileageSourceManual      MileageSource = "MANUAL"
)

type UserRole string

const (
	UserRoleAdmin      UserRole = "A"
	UserRoleSupervisor UserRole = "S"
	UserRoleOperator   UserRole = "O"
	// UserRoleGhost marks the reserved system account that owns synthetic
	// backfilled journeys. Exactly one such account is provisioned per deployment.
	UserRoleGhost UserRole = "G"
)

// GhostJourneyTag labels synthetic journeys for human legibility in the audit
// trail. Tags cycle deterministically per segment index; they carry no semantics.
type GhostJourneyTag string

const (
	GhostJourneyTagUnattributed GhostJourneyTag = "UNATTRIBUTED_USE"
	GhostJourneyTagRelocation   GhostJourneyTag = "RELOCATION"
	GhostJourneyTagWorkshopRun  GhostJourneyTag = "WORKSHOP_RUN"
)

type MaintenanceStatus string

const (
	MaintenanceStatusOpen      MaintenanceStatus = "OPEN"
	MaintenanceStatusCompleted MaintenanceStatus = "COMPLETED"
	MaintenanceStatusCancelled MaintenanceStatus = "CANCELLED"
)

type FuelType string

const (
	FuelTypeDiesel   FuelType = "DIESEL"
	FuelTypePetrol   FuelType = "PETROL"
	FuelTypeElectric FuelType = "ELECTRIC"
)
