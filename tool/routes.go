package tool

// Backend service keys. Base URLs for each are supplied by configuration and
// injected into the Dispatcher.
const (
	ServiceMonitoring      = "monitoring"
	ServiceEHR             = "ehr"
	ServiceLIS             = "lis"
	ServicePharmacy        = "pharmacy"
	ServiceRadiology       = "radiology"
	ServiceBloodbank       = "bloodbank"
	ServiceERP             = "erp"
	ServicePatientServices = "patient_services"
)

// backendRoutes is the static tool -> backend mapping. Path templates use
// {param} placeholders filled from tool arguments; leftover arguments become
// query parameters (GET) or the JSON body (POST).
var backendRoutes = map[string]Route{
	// Monitoring
	"get_vitals":          {ServiceMonitoring, "GET", "/vitals/{patient_id}"},
	"get_vitals_history":  {ServiceMonitoring, "GET", "/vitals/{patient_id}/history"},
	"list_wards":          {ServiceMonitoring, "GET", "/wards"},
	"list_doctors":        {ServiceMonitoring, "GET", "/doctors"},
	"get_ward_patients":   {ServiceMonitoring, "GET", "/wards/{ward_id}/patients"},
	"get_doctor_patients": {ServiceMonitoring, "GET", "/doctors/{doctor_id}/patients"},
	"get_patient_events":  {ServiceMonitoring, "GET", "/patients/{patient_id}/events"},
	"get_event_vitals":    {ServiceMonitoring, "GET", "/events/{event_id}/vitals"},
	"get_event_ecg":       {ServiceMonitoring, "GET", "/events/{event_id}/ecg"},
	"initiate_code_blue":  {ServiceMonitoring, "POST", "/code-blue"},

	// EHR
	"get_patient":     {ServiceEHR, "GET", "/fhir/Patient?identifier={patient_id}"},
	"get_medications": {ServiceEHR, "GET", "/fhir/MedicationRequest?patient={patient_id}"},
	"get_allergies":   {ServiceEHR, "GET", "/fhir/AllergyIntolerance?patient={patient_id}"},
	"get_orders":      {ServiceEHR, "GET", "/fhir/ServiceRequest?patient={patient_id}"},
	"write_order":     {ServiceEHR, "POST", "/fhir/ServiceRequest"},

	// Radiology
	"get_studies":      {ServiceRadiology, "GET", "/dicom-web/studies?PatientID={patient_id}"},
	"get_report":       {ServiceRadiology, "GET", "/dicom-web/studies/{study_id}/report"},
	"get_latest_study": {ServiceRadiology, "GET", "/dicom-web/studies?PatientID={patient_id}&limit=1"},

	// LIS
	"get_lab_results":  {ServiceLIS, "GET", "/results/{patient_id}"},
	"get_lab_order":    {ServiceLIS, "GET", "/orders/{order_id}"},
	"order_lab":        {ServiceLIS, "POST", "/orders"},
	"get_order_status": {ServiceLIS, "GET", "/orders/{order_id}/status"},

	// Pharmacy
	"check_drug_interactions": {ServicePharmacy, "POST", "/interactions"},
	"dispense_medication":     {ServicePharmacy, "POST", "/dispense"},

	// Blood bank
	"get_blood_availability": {ServiceBloodbank, "GET", "/availability"},
	"order_blood_crossmatch": {ServiceBloodbank, "POST", "/crossmatch"},
	"get_crossmatch_status":  {ServiceBloodbank, "GET", "/crossmatch/{request_id}"},

	// ERP
	"get_inventory":        {ServiceERP, "GET", "/inventory"},
	"get_equipment_status": {ServiceERP, "GET", "/equipment/{equipment_id}"},
	"place_supply_order":   {ServiceERP, "POST", "/supply-order"},

	// Patient services
	"request_housekeeping": {ServicePatientServices, "POST", "/housekeeping"},
	"order_diet":           {ServicePatientServices, "POST", "/diet-order"},
	"request_ambulance":    {ServicePatientServices, "POST", "/transport"},
	"get_request_status":   {ServicePatientServices, "GET", "/request/{request_id}"},
}

// gatewayTools are handled inside the agent instead of a backend.
var gatewayTools = []string{"escalate"}
